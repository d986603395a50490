//go:build windows

package main

import "os"

// Windows 上只有 Ctrl+C 可捕获。
var stopSignals = []os.Signal{os.Interrupt}
