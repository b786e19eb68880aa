package chatsync

// Resolve picks the text a viewer with the given language should see.
// A translation is used only when one exists for exactly viewerLanguage;
// otherwise the original text is returned untouched.
func Resolve(msg Message, viewerLanguage string) DisplayText {
	if t, ok := msg.Translations[viewerLanguage]; ok && t != "" {
		return DisplayText{
			Text:         t,
			IsTranslated: true,
			OriginalText: msg.OriginalText,
		}
	}
	return DisplayText{Text: msg.OriginalText}
}
