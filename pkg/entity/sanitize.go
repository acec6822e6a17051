package entity

import "strings"

// searchControlReplacer blanks out characters that are control tokens in the
// fulltext query grammar. Left in place they error the whole query.
var searchControlReplacer = strings.NewReplacer(
	"|", " ", "&", " ", "-", " ", "@", " ", "(", " ", ")", " ",
	"~", " ", "$", " ", ":", " ", "*", " ", `\`, " ", "/", " ",
)

// SanitizeSearchQuery prepares user text for the fulltext index: control
// tokens become spaces and whitespace is collapsed. An all-control query
// collapses to the empty string, which callers treat as "nothing to search".
func SanitizeSearchQuery(q string) string {
	return strings.Join(strings.Fields(searchControlReplacer.Replace(q)), " ")
}

// episodeBodyReplacer blanks backticks and bracket-like characters.
var episodeBodyReplacer = strings.NewReplacer(
	"`", " ", "[", " ", "]", " ", "{", " ", "}", " ",
	"<", " ", ">", " ", "(", " ", ")", " ",
)

// SanitizeEpisodeBody prepares free-form content for the episodic fulltext
// index: markdown emphasis markers are stripped, backticks and bracket-like
// characters become spaces, and whitespace is collapsed. The original text is
// preserved on the entity untouched; this derived form exists only for the
// index.
func SanitizeEpisodeBody(s string) string {
	s = strings.ReplaceAll(s, "*", "")
	s = strings.ReplaceAll(s, "_", "")
	s = episodeBodyReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
