package connection

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"autumn", "hidden", "bitter", "misty", "silent", "empty", "dry", "dark",
	"summer", "icy", "delicate", "quiet", "white", "cool", "spring", "winter",
	"patient", "twilight", "dawn", "crimson", "wispy", "weathered", "blue",
	"billowing", "broken", "cold", "damp", "falling", "frosty", "green",
	"long", "late", "lingering", "bold", "little", "morning", "muddy", "old",
	"red", "rough", "still", "small", "sparkling", "shy", "wandering",
	"withered", "wild", "black", "young", "holy", "solitary", "fragrant",
	"aged", "snowy", "proud", "floral", "restless", "divine", "polished",
	"ancient", "purple", "lively", "nameless", "focused", "steady", "calm",
}

var nouns = []string{
	"waterfall", "river", "breeze", "moon", "rain", "wind", "sea", "morning",
	"snow", "lake", "sunset", "pine", "shadow", "leaf", "dawn", "glitter",
	"forest", "hill", "cloud", "meadow", "sun", "glade", "bird", "brook",
	"butterfly", "bush", "dew", "dust", "field", "fire", "flower", "firefly",
	"feather", "grass", "haze", "mountain", "night", "pond", "darkness",
	"snowflake", "silence", "sound", "sky", "shape", "surf", "thunder",
	"violet", "water", "wildflower", "wave", "resonance", "wood", "dream",
	"cherry", "tree", "fog", "frost", "voice", "paper", "frog", "smoke",
	"star", "tomato", "timer", "bell", "clock",
}

const (
	slugDelimiter   = "-"
	slugTokenLength = 4
	slugTokenChars  = "0123456789"
)

// GenerateSlug returns a human-readable random peer identity such as
// "misty-river-0421".
func GenerateSlug() string {
	var token strings.Builder
	for i := 0; i < slugTokenLength; i++ {
		token.WriteByte(slugTokenChars[rand.IntN(len(slugTokenChars))])
	}
	return fmt.Sprintf("%s%s%s%s%s",
		adjectives[rand.IntN(len(adjectives))], slugDelimiter,
		nouns[rand.IntN(len(nouns))], slugDelimiter,
		token.String(),
	)
}
