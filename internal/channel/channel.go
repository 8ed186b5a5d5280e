// Package channel identifies the surface that started a login, the web
// application or the browser extension. Each channel owns its own pair of
// transient cookies so that flows from both surfaces can run side by side.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

type Channel int

const (
	Web Channel = iota
	Ext
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrMalformedState = errors.New("malformed state")
)

const stateSeparator = "."

func (c Channel) String() string {
	switch c {
	case Web:
		return "web"
	case Ext:
		return "ext"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Parse decodes a channel tag. Only "web" and "ext" are accepted.
func Parse(tag string) (Channel, error) {
	switch tag {
	case "web":
		return Web, nil
	case "ext":
		return Ext, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, tag)
	}
}

// FromQuery maps the "from" query parameter of /login to a channel.
func FromQuery(from string) Channel {
	if from == "ext" {
		return Ext
	}

	return Web
}

func (c Channel) StateCookie() string {
	return "state_" + c.String()
}

func (c Channel) PKCECookie() string {
	return "pkce_" + c.String()
}

// LandingPath is where the user agent goes after a successful callback.
func (c Channel) LandingPath() string {
	if c == Ext {
		return "/login-done-ext"
	}

	return "/"
}

// State is the value of the OAuth2 state parameter. It carries the channel
// so the callback can pick the right cookies without any other input.
type State struct {
	Channel Channel
	Nonce   string
}

func (s State) Encode() string {
	return s.Channel.String() + stateSeparator + s.Nonce
}

// DecodeState parses an encoded state. A missing nonce or an unknown channel
// tag is an error; there is no fallback channel.
func DecodeState(raw string) (State, error) {
	tag, nonce, ok := strings.Cut(raw, stateSeparator)
	if !ok || nonce == "" {
		return State{}, ErrMalformedState
	}

	ch, err := Parse(tag)
	if err != nil {
		return State{}, err
	}

	return State{Channel: ch, Nonce: nonce}, nil
}
