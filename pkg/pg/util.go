package pg

import (
	"fmt"
	"strings"
)

func sprintf(format string, v ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, v...), "\n")
}
