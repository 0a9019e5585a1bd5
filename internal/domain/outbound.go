package domain

// CommitDiff is the change set of one commit as reported by the source host.
type CommitDiff struct {
	Content   string
	Files     []string
	Additions int
	Deletions int
}

// EmailMessage is a rendered notification ready for an email provider.
type EmailMessage struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}
