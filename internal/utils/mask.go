package utils

// MaskSecret keeps the first four characters of a credential so operators can tell
// keys apart in logs. Short or empty values are masked entirely.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
