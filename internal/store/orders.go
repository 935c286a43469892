package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// validTransitions defines the order state machine. An order only
// moves forward; completed and failed are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusPaid},
	StatusPaid:       {StatusGenerating},
	StatusGenerating: {StatusCompleted, StatusFailed},
}

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrInvalidTransition is returned for a disallowed status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// Order is a customer's book order.
type Order struct {
	ID            string
	CustomerName  string
	CustomerEmail string
	ReferencePath string // character reference image on disk
	Style         string
	PageCount     int // interior pages, excluding the cover
	Status        Status
	PagesDone     int // contiguous prefix of persisted pages (cover included)
	ArtifactPath  string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TotalSlots returns the number of page slots including the cover.
func (o *Order) TotalSlots() int { return o.PageCount + 1 }

// Page is one persisted generated page. Number 0 is the cover.
type Page struct {
	OrderID   string
	Number    int
	Prompt    string
	Caption   string
	ImagePath string
	CreatedAt time.Time
}

// IsCover reports whether the page is the cover slot.
func (p *Page) IsCover() bool { return p.Number == 0 }

// CreateOrder inserts a new order in pending state.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.PageCount <= 0 {
		return fmt.Errorf("order %s: page count must be positive", o.ID)
	}
	now := time.Now().UTC()
	o.Status = StatusPending
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id, customer_name, customer_email, reference_path, style, page_count, status, pages_done, artifact_path, failure_reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)`,
		o.ID, o.CustomerName, o.CustomerEmail, o.ReferencePath, o.Style, o.PageCount, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	s.logger.Info("order created", "order_id", o.ID, "pages", o.PageCount)
	return nil
}

const orderColumns = `id, customer_name, customer_email, reference_path, style, page_count, status, pages_done, artifact_path, failure_reason, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &o.ReferencePath, &o.Style,
		&o.PageCount, &o.Status, &o.PagesDone, &o.ArtifactPath, &o.FailureReason,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder loads one order by ID.
func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, err
}

// ListOrders returns orders, optionally filtered by status, newest last.
func (s *Store) ListOrders(ctx context.Context, status Status) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at ASC`
	args := []any{}
	if status != "" {
		query = `SELECT ` + orderColumns + ` FROM orders WHERE status = ? ORDER BY created_at ASC`
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetStatus transitions an order to a new status, enforcing the state
// machine. The update is conditional on the current status so a
// concurrent transition cannot be clobbered.
func (s *Store) SetStatus(ctx context.Context, id string, to Status) error {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if o.Status == to {
		return nil
	}

	allowed := false
	for _, next := range validTransitions[o.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("order %s: %s -> %s: %w", id, o.Status, to, ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, o.Status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("order %s: %s -> %s: %w", id, o.Status, to, ErrInvalidTransition)
	}
	s.logger.Info("order status changed", "order_id", id, "from", o.Status, "to", to)
	return nil
}

// SetFailure marks an order failed and records the reason.
func (s *Store) SetFailure(ctx context.Context, id, reason string) error {
	if err := s.SetStatus(ctx, id, StatusFailed); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE orders SET failure_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id)
	return err
}

// SetArtifact records the path of the assembled book.
func (s *Store) SetArtifact(ctx context.Context, id, path string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE orders SET artifact_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendPages persists newly generated pages. The batch must extend
// the existing contiguous prefix without gaps; anything else is
// rejected so the pages table never contains a hole.
func (s *Store) AppendPages(ctx context.Context, orderID string, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var done int
	row := tx.QueryRowContext(ctx, `SELECT pages_done FROM orders WHERE id = ?`, orderID)
	if err := row.Scan(&done); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return err
	}

	now := time.Now().UTC()
	next := done
	for _, p := range pages {
		if p.Number != next {
			return fmt.Errorf("order %s: page %d would leave a gap after %d persisted pages", orderID, p.Number, done)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pages (order_id, number, prompt, caption, image_path, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			orderID, p.Number, p.Prompt, p.Caption, p.ImagePath, now); err != nil {
			return err
		}
		next++
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE orders SET pages_done = ?, updated_at = ? WHERE id = ?`, next, now, orderID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("pages persisted", "order_id", orderID, "through", next-1)
	return nil
}

// Pages returns the persisted pages of an order ordered by number.
func (s *Store) Pages(ctx context.Context, orderID string) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT order_id, number, prompt, caption, image_path, created_at
FROM pages WHERE order_id = ? ORDER BY number ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.OrderID, &p.Number, &p.Prompt, &p.Caption, &p.ImagePath, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UsedPrompts returns the prompts already consumed by persisted pages
// of an order, so a resumed run never reuses them.
func (s *Store) UsedPrompts(ctx context.Context, orderID string) (map[string]bool, error) {
	pages, err := s.Pages(ctx, orderID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(pages))
	for _, p := range pages {
		used[p.Prompt] = true
	}
	return used, nil
}

// OrdersToResume returns every order left in a non-terminal state,
// oldest first: generating orders interrupted mid-run, paid orders
// whose run never started, and pending orders still awaiting payment.
func (s *Store) OrdersToResume(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+orderColumns+` FROM orders WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		StatusPending, StatusPaid, StatusGenerating)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Stats returns order counts keyed by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{
		StatusPending:    0,
		StatusPaid:       0,
		StatusGenerating: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// ParseStatus validates a status string from user input.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusPaid, StatusGenerating, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
