package transport

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
)

// Request describes one API call. Path is relative to the API base.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	JSON   any        // encoded as the JSON body when non-nil
	Form   *Multipart // encoded as multipart/form-data when non-nil
	// Anonymous requests carry no bearer token and never trigger a refresh.
	Anonymous bool
}

// Multipart is a multipart/form-data body.
type Multipart struct {
	Fields []FormField
	Files  []FormFile
}

// FormField is a plain form value.
type FormField struct {
	Name, Value string
}

// FormFile is a file part.
type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// prepared is a request with its body encoded once so it can be replayed on retry.
type prepared struct {
	req         Request
	body        []byte
	contentType string
}

func (r Request) path() string {
	p := r.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(r.Query) > 0 {
		p += "?" + r.Query.Encode()
	}
	return p
}

func (r Request) prepare() (*prepared, error) {
	p := &prepared{req: r}
	switch {
	case r.Form != nil:
		body, ctype, err := r.Form.encode()
		if err != nil {
			return nil, err
		}
		p.body, p.contentType = body, ctype
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, err
		}
		p.body, p.contentType = b, "application/json"
	}
	return p, nil
}

func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range m.Fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}
	for _, f := range m.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+escapeQuotes(f.Field)+`"; filename="`+escapeQuotes(f.Filename)+`"`)
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
