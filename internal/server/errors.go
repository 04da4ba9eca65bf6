package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/servedir/v2/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

type htmlMessage struct {
	Title   string
	Heading string
	Message string
}

// defaultHTMLMessages maps HTTP status codes to their default HTML messages.
var defaultHTMLMessages = map[int]htmlMessage{
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "The requested resource was not found on this server.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "The method specified in the request is not allowed for the resource identified by the request URI.",
	},
}

// PrefersJSON reports whether the client's most preferred media type, per
// the Accept header, is application/json. Ties on q-value are broken by
// specificity and then by position in the header; q=0 entries are ignored.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, partStr := range strings.Split(acceptHeaderValue, ",") {
		partStr = strings.TrimSpace(partStr)
		mediaType := partStr
		qValue := 1.0

		if idx := strings.Index(partStr, ";"); idx != -1 {
			mediaType = strings.TrimSpace(partStr[:idx])
			for _, param := range strings.Split(partStr[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				q, err := strconv.ParseFloat(param[2:], 64)
				if err != nil || q < 0 || q > 1 {
					q = 0
				}
				qValue = q
				break
			}
		}

		if qValue > 0 && mediaType != "" {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         qValue,
				specific:  !strings.HasSuffix(mediaType, "/*"),
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// WriteErrorResponse sends a default error page for statusCode, as JSON when
// the request prefers it and as HTML otherwise. detailMessage is optional
// and is escaped before it reaches the HTML body.
func WriteErrorResponse(w http.ResponseWriter, req *http.Request, statusCode int, detailMessage string, log *logger.Logger) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	accept := ""
	if req != nil {
		accept = req.Header.Get("Accept")
	}

	var body []byte
	contentType := "text/html; charset=utf-8"
	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{
			Error: ErrorDetail{StatusCode: statusCode, Message: statusText, Detail: detailMessage},
		})
		if err != nil {
			if log != nil {
				log.Error("Failed to marshal JSON error response, falling back to HTML", logger.LogFields{"error": err, "status": statusCode})
			}
		} else {
			body = b
			contentType = "application/json; charset=utf-8"
		}
	}

	if body == nil {
		msg, known := defaultHTMLMessages[statusCode]
		if !known {
			msg = htmlMessage{
				Title:   fmt.Sprintf("%d %s", statusCode, statusText),
				Heading: statusText,
				Message: "The server encountered an error processing your request.",
			}
		}
		message := html.EscapeString(msg.Message)
		if detailMessage != "" {
			message += " " + html.EscapeString(detailMessage)
		}
		body = generateHTMLBody(msg.Title, msg.Heading, message)
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	if req != nil && req.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil && log != nil {
		log.Debug("Failed to write error response body", logger.LogFields{"error": err, "status": statusCode})
	}
}

// generateHTMLBody creates a simple HTML error page. message must already be escaped.
func generateHTMLBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}
