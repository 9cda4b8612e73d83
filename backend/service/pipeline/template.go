package pipeline

import "strings"

// Vars are the values a template may reference.
type Vars struct {
	Uname     string
	Msg       string
	Num       string
	GiftName  string
	LikeText  string
	Price     string
	GuardName string
}

// Render replaces every occurrence of each placeholder. Placeholders without
// a value become empty; unknown braces are left alone.
func Render(template string, vars Vars) string {
	if template == "" {
		return ""
	}
	return strings.NewReplacer(
		"{uname}", vars.Uname,
		"{msg}", vars.Msg,
		"{num}", vars.Num,
		"{gift_name}", vars.GiftName,
		"{like_text}", vars.LikeText,
		"{price}", vars.Price,
		"{guard_name}", vars.GuardName,
	).Replace(template)
}
