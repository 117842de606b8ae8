package netguard

import (
	"encoding/json"
	"html/template"
	"io"
	"strings"
	"time"
)

// BlockPage renders the HTML substitute served in place of a blocked
// request. Domain and URL values are escaped by the template engine.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
type BlockPageData struct {
	Domain    string
	URL       string
	Reason    string
	Message   string
	Timestamp string
}

// DefaultBlockMessage is the message shown on block responses unless
// overridden by a custom template.
const DefaultBlockMessage = "Access to this site has been restricted by your administrator."

// DefaultBlockPageHTML is the default block page template.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Access Restricted</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #10141c;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #d7dce3;
        }
        .card {
            background: #1a202c;
            border: 1px solid #2c3442;
            border-radius: 14px;
            padding: 36px 44px;
            max-width: 560px;
            width: 92%;
            box-shadow: 0 18px 40px rgba(0, 0, 0, 0.45);
        }
        .badge {
            width: 64px;
            height: 64px;
            border-radius: 50%;
            background: #b03030;
            margin: 0 auto 22px;
            display: flex;
            align-items: center;
            justify-content: center;
            font-size: 30px;
            color: #fff;
        }
        h1 {
            font-size: 24px;
            font-weight: 600;
            text-align: center;
            margin-bottom: 10px;
            color: #fff;
        }
        .message {
            text-align: center;
            color: #9aa3af;
            margin-bottom: 26px;
            font-size: 15px;
        }
        .details {
            background: #10141c;
            border-radius: 10px;
            padding: 18px;
            font-size: 14px;
        }
        .row { display: flex; margin-bottom: 10px; }
        .row:last-child { margin-bottom: 0; }
        .label { color: #6b7280; min-width: 72px; }
        .value { color: #e5e7eb; word-break: break-all; }
    </style>
</head>
<body>
    <div class="card">
        <div class="badge">&#9888;</div>
        <h1>Access Restricted</h1>
        <p class="message">{{.Message}}</p>
        <div class="details">
            <div class="row"><span class="label">Domain</span><span class="value">{{.Domain}}</span></div>
            <div class="row"><span class="label">URL</span><span class="value">{{.URL}}</span></div>
            <div class="row"><span class="label">Reason</span><span class="value">{{.Reason}}</span></div>
            <div class="row"><span class="label">Time</span><span class="value">{{.Timestamp}}</span></div>
        </div>
    </div>
</body>
</html>`

// NewBlockPage creates a BlockPage with the default template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template
// string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the block page to w.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	if data.Message == "" {
		data.Message = DefaultBlockMessage
	}
	if data.Timestamp == "" {
		data.Timestamp = time.Now().Format(time.RFC1123)
	}
	return bp.template.Execute(w, data)
}

// RenderString returns the block page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.Render(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// BlockResponse is the JSON form of a block response, served to clients
// that prefer application/json.
type BlockResponse struct {
	Blocked   bool      `json:"blocked"`
	Domain    string    `json:"domain"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason"`
}

// NewBlockResponse builds the JSON payload for a blocked request.
func NewBlockResponse(domain, url, reason string) BlockResponse {
	return BlockResponse{
		Blocked:   true,
		Domain:    domain,
		URL:       url,
		Timestamp: time.Now().UTC(),
		Message:   DefaultBlockMessage,
		Reason:    reason,
	}
}

// prefersJSON decides the block response format from an Accept header.
// JSON is served only when the client asks for it without also accepting
// HTML; everything else gets the HTML page.
func prefersJSON(accept string) bool {
	accept = strings.ToLower(accept)
	return strings.Contains(accept, "application/json") &&
		!strings.Contains(accept, "text/html")
}

// renderBlockBody produces the block response body and its content type
// for the given Accept header.
func (bp *BlockPage) renderBlockBody(accept, domain, url, reason string) (body []byte, contentType string, err error) {
	if prefersJSON(accept) {
		b, err := json.Marshal(NewBlockResponse(domain, url, reason))
		if err != nil {
			return nil, "", err
		}
		return b, "application/json; charset=utf-8", nil
	}

	s, err := bp.RenderString(BlockPageData{
		Domain: domain,
		URL:    url,
		Reason: reason,
	})
	if err != nil {
		return nil, "", err
	}
	return []byte(s), "text/html; charset=utf-8", nil
}
