package main

// Include the GoMLX backends: XLA if available, and the pure Go one.

import (
	_ "github.com/gomlx/gomlx/backends/default"
)
