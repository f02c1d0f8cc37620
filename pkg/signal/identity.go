package signal

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

var adjectives = []string{
	"QUICK", "LAZY", "HAPPY", "CALM", "BRAVE",
	"BRIGHT", "COOL", "DARK", "EAGER", "FAIR",
	"GENTLE", "GRAND", "GREAT", "GREEN", "BLUE",
	"RED", "GOLD", "SILVER", "WARM", "WILD",
	"BOLD", "CLEAN", "CLEAR", "CRISP", "DEEP",
	"FAST", "FINE", "FRESH", "GOOD", "HIGH",
	"KIND", "LIGHT", "LOUD", "MILD", "NEAT",
	"NICE", "PLAIN", "PROUD", "PURE", "RICH",
	"SAFE", "SHARP", "SLIM", "SMART", "SOFT",
	"SWEET", "TALL", "TRUE", "VAST", "WISE",
}

var nouns = []string{
	"FROG", "TIGER", "RIVER", "CLOUD", "STONE",
	"LEAF", "BIRD", "FISH", "WOLF", "BEAR",
	"HAWK", "DEER", "LION", "EAGLE", "WHALE",
	"PANDA", "KOALA", "OTTER", "SNAKE", "SHARK",
	"TREE", "LAKE", "MOON", "STAR", "WAVE",
	"WIND", "FLAME", "FROST", "PEAK", "CAVE",
	"DAWN", "DUSK", "MIST", "RAIN", "SNOW",
	"STORM", "BEACH", "CLIFF", "DELTA", "GROVE",
	"HILL", "MARSH", "MESA", "OASIS", "PLAIN",
	"RIDGE", "SHORE", "TRAIL", "VALE", "WOODS",
}

// Credentials is the opaque pair handed to the server in the handshake.
type Credentials struct {
	Email  string
	Secret string
}

// NewCredentials returns credentials with a generated identity and secret.
func NewCredentials() Credentials {
	return Credentials{Email: GenerateIdentity(), Secret: GenerateSecret()}
}

// GenerateIdentity creates a memorable identity in ADJECTIVE-NOUN-NN-XXXXXX
// format. The hex tail keeps independently generated identities apart.
func GenerateIdentity() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	num := rand.Intn(100)
	id := uuid.New()
	return fmt.Sprintf("%s-%s-%02d-%X", adj, noun, num, id[:3])
}

// GenerateSecret returns a random secret for the handshake.
func GenerateSecret() string {
	return uuid.New().String()
}

// NormalizeIdentity ensures consistent formatting (uppercase, trimmed)
func NormalizeIdentity(identity string) string {
	return strings.ToUpper(strings.TrimSpace(identity))
}

// ValidateIdentity checks that an identity is non-empty and printable.
func ValidateIdentity(identity string) bool {
	if identity == "" || len(identity) > 256 {
		return false
	}
	for _, r := range identity {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
