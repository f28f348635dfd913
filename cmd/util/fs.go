package util

import (
	"github.com/spf13/afero"
)

// fs is the filesystem that mirrors are stored on. It's a variable so that
// tests can swap it out.
var fs = afero.NewOsFs()
