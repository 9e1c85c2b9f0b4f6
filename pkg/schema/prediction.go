package schema

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidLabel = errors.New("unrecognised prediction label")

// Prediction is the classifier verdict for a capture.
type Prediction int

const (
	Benign Prediction = iota + 1
	Malicious
)

// ParseLabel normalises a raw classifier label. Matching is case-insensitive
// and exact; anything other than benign or malicious is rejected.
func ParseLabel(label string) (Prediction, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "BENIGN":
		return Benign, nil
	case "MALICIOUS":
		return Malicious, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrInvalidLabel, label)
	}
}

// String returns the wire name.
func (p Prediction) String() string {
	switch p {
	case Benign:
		return "BENIGN"
	case Malicious:
		return "MALICIOUS"
	default:
		return fmt.Sprintf("Prediction(%d)", int(p))
	}
}

// Display returns the lower-case form shown to people.
func (p Prediction) Display() string {
	switch p {
	case Benign:
		return "benign"
	case Malicious:
		return "malicious"
	default:
		return "unknown"
	}
}

func (p Prediction) MarshalText() ([]byte, error) {
	if p != Benign && p != Malicious {
		return nil, fmt.Errorf("invalid prediction %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Prediction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BENIGN":
		*p = Benign
	case "MALICIOUS":
		*p = Malicious
	default:
		return fmt.Errorf("invalid prediction %q", string(b))
	}
	return nil
}
