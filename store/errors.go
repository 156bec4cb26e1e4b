package store

import "errors"

var errAppendFailed = errors.New("history append failed")
