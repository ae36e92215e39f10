package nodes

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/template"
)

const (
	DefaultCallTimeout = 30 * time.Second
	MaxCallTimeout     = 300 * time.Second
)

var (
	ErrEmptyURL   = errors.New("url is empty after substitution")
	ErrInvalidURL = errors.New("url must be absolute http or https")
)

// BuildCall resolves every template in spec against state and applies the
// method and timeout defaults.
func BuildCall(ctx context.Context, deps protocol.Deps, spec models.CallSpec, defaultMethod string, state *template.State) (models.CallRequest, error) {
	target, err := Interpolate(ctx, deps, spec.URL, state)
	if err != nil {
		return models.CallRequest{}, err
	}

	target = strings.TrimSpace(target)
	if target == "" {
		return models.CallRequest{}, flowerr.Configuration("BuildCall", spec.URL, ErrEmptyURL)
	}

	if err := CheckURL(target); err != nil {
		return models.CallRequest{}, flowerr.Configuration("BuildCall", target, err)
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = defaultMethod
	}

	headers := make(map[string]string, len(spec.Headers))

	for name, value := range spec.Headers {
		resolved, err := Interpolate(ctx, deps, value, state)
		if err != nil {
			return models.CallRequest{}, err
		}

		headers[name] = resolved
	}

	var body any
	if spec.Body != nil {
		body, err = SubstituteObject(ctx, deps, spec.Body, state)
		if err != nil {
			return models.CallRequest{}, err
		}

		body = template.Clone(body)
	}

	return models.CallRequest{
		URL:     target,
		Method:  method,
		Headers: headers,
		Body:    body,
		Timeout: CallTimeout(spec.Timeout),
	}, nil
}

// CallTimeout converts a timeout in seconds, applying the default and the cap.
func CallTimeout(seconds float64) time.Duration {
	if seconds <= 0 {
		return DefaultCallTimeout
	}

	timeout := time.Duration(seconds * float64(time.Second))
	if timeout > MaxCallTimeout {
		return MaxCallTimeout
	}

	return timeout
}

// CheckURL accepts absolute http and https URLs. Templated URLs are checked
// after substitution.
func CheckURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return ErrInvalidURL
	}

	return nil
}

// MapResponse copies values out of a response body. Keys are target paths,
// values are source paths such as "$.data.id"; "$" is the whole body.
// Missing sources are skipped.
func MapResponse(body any, mapping map[string]string) models.Delta {
	var delta models.Delta

	for _, target := range SortedKeys(mapping) {
		value, ok := ResponseValue(body, mapping[target])
		if !ok || value == nil {
			continue
		}

		delta.Set(template.QualifyPath(target), template.Clone(value))
	}

	return delta
}

// ResponseValue reads a "$.a.b" style path from a response body.
func ResponseValue(body any, source string) (any, bool) {
	source = strings.TrimSpace(source)
	source = strings.TrimPrefix(source, "$")
	source = strings.TrimPrefix(source, ".")

	if source == "" {
		return body, body != nil
	}

	return template.GetPath(body, source)
}
