package googleauth

import (
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
)

// Scope pairs an OAuth scope URL with a human readable description.
type Scope struct {
	URL         string
	Description string
}

// RequiredScopes are the Google OAuth scopes the Gmail and Calendar agents
// need. Scope constants come from the generated API clients where they exist.
var RequiredScopes = []Scope{
	{gmail.GmailReadonlyScope, "gmail read scope"},
	{gmail.GmailSendScope, "gmail send scope"},
	{"https://www.googleapis.com/auth/userinfo.profile", "user profile scope"},
	{calendar.CalendarEventsScope, "calendar read/write events scope"},
	{"https://www.googleapis.com/auth/calendar.calendarlist", "calendar read scope"},
}

// ScopeURLs returns just the scope URLs, in declaration order.
func ScopeURLs() []string {
	urls := make([]string, 0, len(RequiredScopes))
	for _, s := range RequiredScopes {
		urls = append(urls, s.URL)
	}
	return urls
}
