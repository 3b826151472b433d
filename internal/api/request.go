package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"taskrelay/internal/models"
)

const maxBodyBytes = 64 << 10

// field names accepted on input; the first alias present wins.
var (
	sidKeys    = []string{"sid", "sourceId"}
	remarkKeys = []string{"remark"}
	opKeys     = []string{"op"}
)

// normalizeRequest builds a NotificationRequest from a JSON body and the
// query string. Body values win; the query fills whatever the body lacks,
// and an unparseable body degrades to the query alone. Only the sid is
// trimmed; remark and auxiliary fields are carried through as sent.
func normalizeRequest(r *http.Request) models.NotificationRequest {
	body := readBodyFields(r)
	query := queryFields(r.URL.Query())

	pick := func(keys []string, clean func(string) string) string {
		for _, src := range []map[string]string{body, query} {
			for _, k := range keys {
				if v := clean(src[k]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	req := models.NotificationRequest{
		SourceID: pick(sidKeys, strings.TrimSpace),
		Remark:   pick(remarkKeys, asIs),
		Op:       pick(opKeys, strings.TrimSpace),
	}
	for _, k := range models.AuxiliaryKeys {
		if v := pick([]string{k}, asIs); v != "" {
			if req.Auxiliary == nil {
				req.Auxiliary = map[string]string{}
			}
			req.Auxiliary[k] = v
		}
	}
	return req
}

func asIs(s string) string { return s }

func readBodyFields(r *http.Request) map[string]string {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil
		}
		return queryFields(values)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number, bool:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func queryFields(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}
