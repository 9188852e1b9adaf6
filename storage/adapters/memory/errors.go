package memory

import "errors"

var errNilState = errors.New("nil state")
