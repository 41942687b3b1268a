package kernel

import _ "embed"

// driverSource is the interpreter-side half of the line protocol. It is
// passed to the interpreter with -c.
//
//go:embed driver/minipy_kernel.py
var driverSource string
