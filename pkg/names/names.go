// Package names generates short human-readable identifiers in
// adjective-noun form. Names derived from the same inputs are stable,
// which makes them usable as memorable aliases for opaque IDs.
package names

import (
	"hash/fnv"
	"math/rand"
	"strings"
)

var adjectives = []string{
	"able", "active", "agile", "airy", "alert", "alpine", "amber", "ample", "ancient", "arctic",
	"autumn", "azure", "balmy", "bare", "beaming", "benign", "billowing", "bitter", "black", "blissful",
	"blue", "bold", "bouncy", "brave", "breezy", "brief", "bright", "brisk", "broad", "bronze",
	"burly", "calm", "candid", "cheerful", "chilly", "civil", "classic", "clear", "clever", "close",
	"cloudy", "cobalt", "cold", "cool", "coral", "crimson", "curly", "dainty", "damp", "dark",
	"dawn", "deep", "delicate", "divine", "dry", "dusty", "eager", "early", "elated", "emerald",
	"empty", "even", "fancy", "fast", "fierce", "fine", "firm", "fleet", "floral", "fond",
	"fragrant", "free", "fresh", "frosty", "gentle", "gifted", "gilded", "glad", "golden", "graceful",
	"grand", "great", "green", "grey", "happy", "hardy", "hazy", "hidden", "high", "holy",
	"humble", "icy", "ideal", "idle", "indigo", "inner", "ivory", "jade", "jolly", "keen",
	"kind", "large", "late", "lazy", "light", "little", "lively", "long", "loud", "lucky",
	"lunar", "mellow", "merry", "mighty", "misty", "modern", "morning", "mute", "naive", "narrow",
	"neat", "new", "noble", "north", "old", "opal", "orange", "pale", "patient", "peaceful",
	"pearl", "plain", "pleasant", "polished", "proud", "purple", "quaint", "quick", "quiet", "rapid",
	"rare", "red", "restless", "rich", "rough", "round", "royal", "ruby", "rustic", "sacred",
	"salty", "sandy", "scarlet", "serene", "sharp", "shiny", "short", "shy", "silent", "silver",
	"sleek", "slow", "small", "smooth", "snowy", "soft", "solar", "solid", "sparkling", "spring",
	"square", "steady", "steep", "still", "stout", "strong", "subtle", "summer", "sunny", "sweet",
	"swift", "tall", "tame", "tender", "thorough", "tidy", "tiny", "tranquil", "true", "twilight",
	"upbeat", "vast", "velvet", "vernal", "vivid", "wandering", "warm", "weathered", "white", "wide",
	"wild", "willing", "winter", "wise", "wispy", "withered", "wooden", "yellow", "young", "zesty",
}

var nouns = []string{
	"art", "atlas", "aurora", "autumn", "badger", "bank", "bar", "base", "basin", "bay",
	"beach", "bear", "bell", "bird", "bloom", "blossom", "bluff", "boat", "bog", "boulder",
	"bramble", "branch", "breeze", "briar", "bridge", "brook", "bush", "butterfly", "canyon", "cape",
	"cascade", "castle", "cave", "cedar", "channel", "cherry", "cinder", "cliff", "cloud", "clover",
	"coast", "comet", "coral", "cosmos", "cove", "crane", "creek", "crest", "crow", "crystal",
	"current", "dale", "dawn", "deer", "delta", "dew", "dewdrop", "dragonfly", "drift", "driftwood",
	"dune", "dusk", "eagle", "earth", "echo", "eddy", "elm", "ember", "estuary", "fable",
	"falcon", "fawn", "feather", "fern", "field", "finch", "fire", "firefly", "fjord", "flame",
	"flower", "foam", "fog", "forest", "fox", "frog", "frost", "galaxy", "garden", "gate",
	"geyser", "glacier", "glade", "glen", "grass", "grove", "gulf", "hail", "harbor", "hare",
	"hawk", "haze", "hazel", "heath", "heron", "hill", "hollow", "horizon", "ice", "inlet",
	"iris", "island", "isle", "jungle", "juniper", "lagoon", "lake", "land", "larch", "lark",
	"leaf", "light", "lily", "lion", "marsh", "meadow", "mesa", "mist", "moon", "moor",
	"morning", "moss", "mountain", "night", "oak", "ocean", "orchard", "otter", "owl", "palm",
	"paper", "path", "peak", "pebble", "pine", "plain", "plateau", "pond", "poppy", "prairie",
	"rain", "raven", "reed", "reef", "ridge", "river", "rock", "rose", "sage", "sand",
	"sea", "shadow", "shape", "shore", "silence", "sky", "smoke", "snow", "sound", "sparrow",
	"spring", "spruce", "star", "stone", "storm", "stream", "summit", "sun", "sunset", "surf",
	"swallow", "swamp", "thunder", "tide", "trail", "tree", "tundra", "valley", "vine", "violet",
	"voice", "water", "waterfall", "wave", "wildflower", "willow", "wind", "wood", "zephyr",
}

// Generate returns an adjective-noun name. With parts it hashes them, so
// the same parts always yield the same name; with no parts the pick is
// random.
func Generate(parts ...string) string {
	var h uint64
	if len(parts) == 0 {
		h = rand.Uint64()
	} else {
		hasher := fnv.New64a()
		// A separator keeps ("ab","c") and ("a","bc") distinct.
		_, _ = hasher.Write([]byte(strings.Join(parts, "\x1f")))
		h = hasher.Sum64()
	}

	adj := adjectives[h%uint64(len(adjectives))]
	noun := nouns[(h/uint64(len(adjectives)))%uint64(len(nouns))]
	return adj + "-" + noun
}
