package cmn

import (
	"sync"

	"github.com/teris-io/shortid"
)

// Token is an opaque handle returned when registering an observer or a
// completion handler (§9 design note: "append-only lists per resource-id
// with opaque subscription tokens; deregistration is by token").
type Token string

var (
	genMu sync.Mutex
	gen   *shortid.Shortid
)

func init() {
	var err error
	gen, err = shortid.New(1, shortid.DefaultABC, 0xC0FFEE)
	if err != nil {
		panic(err)
	}
}

// NewToken mints a new opaque subscription token.
func NewToken() Token {
	genMu.Lock()
	defer genMu.Unlock()
	id, err := gen.Generate()
	if err != nil {
		// shortid only fails on generator misconfiguration, which init
		// above would already have caught.
		panic(err)
	}
	return Token(id)
}
