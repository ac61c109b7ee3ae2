// Package all is a meta-package that imports all store implementations.
//
// This is a HACK to make tests work consistently.
package all

import (
	_ "github.com/keyforum/captcha/lib/store/bbolt"
	_ "github.com/keyforum/captcha/lib/store/memory"
	_ "github.com/keyforum/captcha/lib/store/sqlite"
	_ "github.com/keyforum/captcha/lib/store/valkey"
)
