// Package password generates and reads the shared session password.
package password

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"golang.org/x/term"
)

var ErrEmpty = errors.New("empty password")

var words = []string{
	"amber", "apple", "arrow", "aspen", "badger", "basil", "beacon", "birch",
	"bison", "breeze", "brook", "cactus", "canyon", "cedar", "cherry", "cinder",
	"clover", "cobalt", "comet", "coral", "cotton", "crane", "cricket", "dune",
	"eagle", "ember", "falcon", "fern", "fjord", "flint", "fox", "frost",
	"garnet", "ginger", "glacier", "granite", "harbor", "hazel", "heron", "hollow",
	"indigo", "iris", "island", "ivory", "jade", "jasper", "juniper", "kestrel",
	"lagoon", "lantern", "lark", "lemon", "lily", "linen", "lotus", "lynx",
	"maple", "marble", "meadow", "mesa", "mint", "moss", "nectar", "nova",
	"oak", "ocean", "olive", "onyx", "orchid", "otter", "owl", "panda",
	"pebble", "pepper", "pine", "plum", "poppy", "prairie", "quartz", "quill",
	"raven", "reed", "ridge", "river", "robin", "saffron", "sage", "salmon",
	"sierra", "silver", "sparrow", "spruce", "stone", "summit", "swift", "thistle",
	"thunder", "tide", "timber", "topaz", "tulip", "tundra", "velvet", "violet",
	"walnut", "willow", "wren", "yarrow", "zephyr", "zinc",
}

// Generate returns n random words joined by sep, e.g. "otter-granite-plum".
func Generate(n int, sep string) (string, error) {
	return generateFrom(rand.Reader, n, sep)
}

func generateFrom(r io.Reader, n int, sep string) (string, error) {
	picked := make([]string, n)
	max := big.NewInt(int64(len(words)))
	for i := range picked {
		idx, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		picked[i] = words[idx.Int64()]
	}
	return strings.Join(picked, sep), nil
}

// Prompt asks for the password on out. Input is not echoed when in is a terminal.
func Prompt(in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, "Please enter password: ")
	if term.IsTerminal(int(in.Fd())) {
		pw, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return check(string(pw))
	}
	return ReadLine(in)
}

// ReadLine reads one line from r as the password.
func ReadLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return check(line)
}

func check(pw string) (string, error) {
	pw = strings.TrimSpace(pw)
	if pw == "" {
		return "", ErrEmpty
	}
	return pw, nil
}
