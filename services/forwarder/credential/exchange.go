// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// exchange performs the token request described by cfg and returns the
// resulting credential with IssuedAt=now, ExpiresAt=now+tokenLifetime.
func (c *Cache) exchange(ctx context.Context, cfg tenant.Config) (Credential, error) {
	if cfg.AuthEndpoint == "" {
		return Credential{}, fmt.Errorf("partner %s has no auth endpoint configured", cfg.TenantID)
	}

	req, err := buildTokenRequest(ctx, cfg)
	if err != nil {
		return Credential{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	token, refresh, err := parseTokenResponse(cfg, body)
	if err != nil {
		return Credential{}, err
	}

	now := c.now()
	return Credential{
		AccessToken:  token,
		RefreshToken: refresh,
		IssuedAt:     now,
		ExpiresAt:    now.Add(cfg.TokenLifetime.Std()),
	}, nil
}

// buildTokenRequest shapes the auth request body per the partner's
// contentType: json or form-encoded.
func buildTokenRequest(ctx context.Context, cfg tenant.Config) (*http.Request, error) {
	method := cfg.AuthMethod
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	var contentType string
	switch cfg.Auth.ContentType {
	case "form":
		values := url.Values{}
		setIfPresent(values, "grant_type", cfg.Auth.GrantType)
		setIfPresent(values, "client_id", cfg.Auth.ClientID)
		setIfPresent(values, "client_secret", cfg.Auth.ClientSecret)
		setIfPresent(values, "scope", cfg.Auth.Scope)
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	case "json", "":
		payload := map[string]string{}
		if cfg.Auth.GrantType != "" {
			payload["grant_type"] = cfg.Auth.GrantType
		}
		if cfg.Auth.ClientID != "" {
			payload["client_id"] = cfg.Auth.ClientID
		}
		if cfg.Auth.ClientSecret != "" {
			payload["client_secret"] = cfg.Auth.ClientSecret
		}
		if cfg.Auth.Scope != "" {
			payload["scope"] = cfg.Auth.Scope
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal auth body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	default:
		return nil, fmt.Errorf("unsupported auth content type %q", cfg.Auth.ContentType)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.AuthEndpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

func setIfPresent(values url.Values, key, value string) {
	if value != "" {
		values.Set(key, value)
	}
}

// parseTokenResponse extracts the access token (and refresh token if the
// response carries one) per the partner's returnType and tokenKeyPath.
func parseTokenResponse(cfg tenant.Config, body []byte) (token, refresh string, err error) {
	keyPath := cfg.Auth.TokenKeyPath
	if keyPath == "" {
		keyPath = "access_token"
	}

	switch cfg.Auth.ReturnType {
	case "xml":
		token, err = extractXMLPath(body, keyPath)
		if err != nil {
			return "", "", fmt.Errorf("extract token from xml: %w", err)
		}
		refresh, _ = extractXMLPath(body, "refresh_token")
		return token, refresh, nil
	case "json", "":
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return "", "", fmt.Errorf("decode token response: %w", err)
		}
		value, ok := lookupJSONPath(doc, keyPath)
		if !ok {
			return "", "", fmt.Errorf("token key path %q not found in response", keyPath)
		}
		token, ok = value.(string)
		if !ok || token == "" {
			return "", "", fmt.Errorf("token at %q is not a non-empty string", keyPath)
		}
		if rt, ok := lookupJSONPath(doc, "refresh_token"); ok {
			refresh, _ = rt.(string)
		}
		return token, refresh, nil
	default:
		return "", "", fmt.Errorf("unsupported auth return type %q", cfg.Auth.ReturnType)
	}
}

// lookupJSONPath walks a dotted path ("data.access_token") through nested
// JSON objects.
func lookupJSONPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// extractXMLPath returns the character data of the first element matching
// a slash-separated path ("response/access_token"). A single-segment path
// matches the element anywhere in the document.
func extractXMLPath(body []byte, path string) (string, error) {
	want := strings.Split(strings.Trim(path, "/"), "/")
	decoder := xml.NewDecoder(bytes.NewReader(body))

	var stack []string
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return "", fmt.Errorf("element %q not found", path)
		}
		if err != nil {
			return "", fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if matchesPath(stack, want) {
				var value string
				if err := decoder.DecodeElement(&value, &t); err != nil {
					return "", fmt.Errorf("decode element %q: %w", path, err)
				}
				return strings.TrimSpace(value), nil
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func matchesPath(stack, want []string) bool {
	if len(want) == 1 {
		return stack[len(stack)-1] == want[0]
	}
	if len(stack) < len(want) {
		return false
	}
	tail := stack[len(stack)-len(want):]
	for i := range want {
		if tail[i] != want[i] {
			return false
		}
	}
	return true
}
