package helpers

// MaskValue replaces secrets in command output
const MaskValue = "***********"

// MaskSecret returns MaskValue for any non-empty secret and "(unset)"
// otherwise, so that operators can tell the two apart.
func MaskSecret(value string) string {
	if value == "" {
		return "(unset)"
	}
	return MaskValue
}
