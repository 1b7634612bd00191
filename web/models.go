package web

import (
	"net/url"
	"strconv"

	"github.com/a7comix/a7comix/pager"
)

type OpenRequest struct {
	Source string `json:"source"`
}

type GotoRequest struct {
	Page *int `json:"page"`
}

type ZoomRequest struct {
	Zoom *float64 `json:"zoom"`
}

type SessionResponse struct {
	ID string `json:"id"`

	pager.Snapshot

	// PageURL is the URL of the displayed page bitmap. It changes with the page.
	PageURL string `json:"page_url,omitempty"`
}

func newSessionResponse(id string, snapshot pager.Snapshot, hasPage bool) SessionResponse {
	resp := SessionResponse{
		ID:       id,
		Snapshot: snapshot,
	}
	if hasPage && snapshot.Document != nil {
		u := url.URL{Path: "/api/sessions/" + url.PathEscape(id) + "/page.png"}
		u.RawQuery = url.Values{
			"doc":  []string{string(snapshot.Document.ID)},
			"page": []string{strconv.Itoa(snapshot.Page)},
			"zoom": []string{snapshot.Zoom.String()},
		}.Encode()
		resp.PageURL = u.String()
	}
	return resp
}

type ErrorResponse struct {
	Error string `json:"error"`
}
