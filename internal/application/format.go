package application

import (
	"fmt"
	"html"
	"strings"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// RenderEvent builds the chat notification for a change event.
func RenderEvent(ev model.ChangeEvent) (model.Notification, error) {
	switch e := ev.(type) {
	case model.CommitUpdate:
		return renderCommit(e), nil
	case model.ReleaseUpdate:
		return renderRelease(e), nil
	case model.RepoEnrolled:
		return renderEnrolled(e), nil
	default:
		return model.Notification{}, fmt.Errorf("unsupported event %T", ev)
	}
}

func renderCommit(e model.CommitUpdate) model.Notification {
	var b strings.Builder

	fmt.Fprintf(&b, "🔄 <b>New commit</b> in %s on <code>%s</code>\n", repoLink(e.Repo), esc(e.Branch))
	if e.OldSHA != "" {
		fmt.Fprintf(&b, "<code>%s</code> → <code>%s</code>\n", shortSHA(e.OldSHA), shortSHA(e.NewSHA))
	} else {
		fmt.Fprintf(&b, "First commit: <code>%s</code>\n", shortSHA(e.NewSHA))
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "\n%s", esc(e.Message))
	}

	row := []model.Action{{Label: "Commit", URL: e.URL}}
	if e.OldSHA != "" {
		row = append(row, model.Action{
			Label: "Compare",
			URL:   fmt.Sprintf("%s/compare/%s...%s", repoURL(e.Repo), e.OldSHA, e.NewSHA),
		})
	}
	row = append(row, model.Action{Label: "Repository", URL: repoURL(e.Repo)})

	return notification(b.String(), true, row)
}

func renderRelease(e model.ReleaseUpdate) model.Notification {
	var b strings.Builder

	headline := "New release"
	if e.IsFirstRelease {
		headline = "First release"
	}
	fmt.Fprintf(&b, "🚀 <b>%s</b> of %s: <b>%s</b>\n", headline, repoLink(e.Repo), esc(e.Tag))
	if e.Name != "" && e.Name != e.Tag {
		fmt.Fprintf(&b, "%s\n", esc(e.Name))
	}
	if e.PreviousTag != "" {
		fmt.Fprintf(&b, "Previous: <code>%s</code>\n", esc(e.PreviousTag))
	}
	if !e.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "Published %s\n", e.PublishedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if notes := renderNotes(e.Body); notes != "" {
		fmt.Fprintf(&b, "\n%s", notes)
	}

	url := e.URL
	if url == "" {
		url = repoURL(e.Repo) + "/releases/tag/" + e.Tag
	}
	row := []model.Action{
		{Label: "Release", URL: url},
		{Label: "Repository", URL: repoURL(e.Repo)},
	}

	return notification(b.String(), false, row)
}

func renderEnrolled(e model.RepoEnrolled) model.Notification {
	var b strings.Builder

	fmt.Fprintf(&b, "📦 <b>New repository</b> from <b>%s</b>: %s\n", esc(e.Owner), repoLink(e.Repo))
	if e.DefaultBranch != "" {
		fmt.Fprintf(&b, "Tracking <code>%s</code>", esc(e.DefaultBranch))
	}

	url := e.URL
	if url == "" {
		url = repoURL(e.Repo)
	}

	return notification(b.String(), true, []model.Action{{Label: "Repository", URL: url}})
}

func notification(htmlText string, disablePreview bool, row []model.Action) model.Notification {
	htmlText = strings.TrimSpace(htmlText)
	return model.Notification{
		HTML:               htmlText,
		Plain:              toPlain(htmlText),
		DisableLinkPreview: disablePreview,
		Actions:            [][]model.Action{row},
	}
}

func repoLink(key string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, esc(repoURL(key)), esc(key))
}

func esc(s string) string {
	return html.EscapeString(s)
}
