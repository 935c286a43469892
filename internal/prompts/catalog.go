// Package prompts holds the scene prompt catalog and the selector that
// draws unused, unblocked prompts for page generation.
package prompts

// Scene pairs a generation prompt with the caption printed beneath the
// finished page.
type Scene struct {
	Prompt  string
	Caption string
}

// CoverPrompt is the prompt template for page 0 of every book.
const CoverPrompt = "storybook cover illustration of the main character framed by an ornate border, space for a title banner at the top"

// Catalog is the built-in scene catalog. Prompts describe the scene
// only; the character likeness comes from the reference image sent with
// every synthesis call.
var Catalog = []Scene{
	{"the main character walking through a sunlit forest with tall ancient trees", "Into the whispering woods."},
	{"the main character sailing a small wooden boat across a calm starlit sea", "Sailing beneath a thousand stars."},
	{"the main character discovering a hidden door at the base of a giant oak tree", "Some doors wait a long time to be found."},
	{"the main character sharing tea with a family of hedgehogs in a cozy burrow", "Tea tastes better with new friends."},
	{"the main character flying over rooftops on the back of a friendly heron", "The town looked so small from up high."},
	{"the main character reading an enormous book by candlelight in a tower library", "Every page held another world."},
	{"the main character planting a glowing seed in a moonlit garden", "Small things grow into wonders."},
	{"the main character crossing a rope bridge above a misty waterfall", "One careful step at a time."},
	{"the main character befriending a shy dragon no bigger than a kitten", "Even dragons need a friend."},
	{"the main character building a snow fort with woodland animals", "The greatest fort ever built."},
	{"the main character following a trail of lanterns through an evening meadow", "The lanterns knew the way home."},
	{"the main character painting a rainbow onto a gray sky from a hot air balloon", "The sky just needed a little color."},
	{"the main character exploring a tide pool full of curious glowing creatures", "The sea keeps its smallest secrets close."},
	{"the main character conducting an orchestra of singing birds at dawn", "And the morning had its song."},
	{"the main character camping under the northern lights with a loyal dog", "Some nights are too beautiful for sleeping."},
	{"the main character finding a message in a bottle on a windswept beach", "The letter had traveled a very long way."},
	{"the main character riding a bicycle down a hill lined with cherry blossoms", "Faster than the falling petals."},
	{"the main character baking bread in a warm kitchen with a clumsy bear cub", "Flour went everywhere, and nobody minded."},
	{"the main character stargazing through a brass telescope on a rooftop", "Counting stars is slow, happy work."},
	{"the main character dancing in the rain among giant toadstools", "The rain played the drums, so they danced."},
	{"the main character releasing paper boats down a gentle stream at dusk", "A whole fleet, bound for tomorrow."},
	{"the main character climbing into a treehouse as fireflies gather", "Home can be high among the branches."},
	{"the main character sledding down a starless hill with a scarf trailing behind", "The wind sang all the way down."},
	{"the main character waving goodbye to new friends from a garden gate at sunset", "Until the next adventure."},
}
