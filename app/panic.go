package app

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"ember/emberos/kernel"
	"ember/hal"
)

const panicCols = 100

func installPanicHandler(h hal.HAL, log *zap.Logger) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		log.Error("kernel panic", zap.Int32("tid", int32(info.TID)), zap.Any("value", info.Value))

		l := h.Logger()
		if l == nil {
			return
		}
		for _, line := range panicLines(info) {
			for len(line) > 0 {
				chunk, rest := takeRunes(line, panicCols)
				l.WriteLineString(chunk)
				line = strings.TrimLeft(rest, " ")
			}
		}
	})
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{
		"Ember Panic:",
		fmt.Sprintf("thread: #%d", info.TID),
		fmt.Sprintf("panic: %v", info.Value),
	}
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func takeRunes(s string, n int) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if len(s) <= n {
		return s, ""
	}
	var i, count int
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		i += size
		count++
	}
	if i >= len(s) {
		return s, ""
	}
	return s[:i], s[i:]
}
