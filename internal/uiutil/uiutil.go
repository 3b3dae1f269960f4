package uiutil

const (
	AnsiReset = "\033[0m"
	AnsiDim   = "\033[2m"
	AnsiBold  = "\033[1m"
)

var keyColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

// Short truncates a hex key or id to n characters.
func Short(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// PickColor returns a color based on a stable hash of the string.
func PickColor(s string) string {
	if s == "" {
		return AnsiReset
	}
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*16777619 ^ uint32(s[i]) // FNV-ish
	}
	return keyColors[h%uint32(len(keyColors))]
}

// FormatKey renders the first 16 hex chars of a key in its stable color.
func FormatKey(hexKey string) string {
	display := Short(hexKey, 16)
	return PickColor(hexKey) + display + AnsiReset
}

func Dim(s string) string { return AnsiDim + s + AnsiReset }
