package detector

// DetectPositiveProgress returns the progress phrase found in the message.
func (d *Detector) DetectPositiveProgress(message string) (string, bool) {
	phrase, _, ok := firstMatch(normalize(message), d.positive)
	return phrase, ok
}

// DetectContactRequest returns the phrase asking to reach a person.
func (d *Detector) DetectContactRequest(message string) (string, bool) {
	phrase, _, ok := firstMatch(normalize(message), d.contact)
	return phrase, ok
}
