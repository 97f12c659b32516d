package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marketloop/providerkit/internal/provider"
)

// Unwrap decodes the {success,data,error} envelope shared by all REST calls
// and converts failures into tagged errors. A non-2xx without a parseable
// envelope still yields an API_ERROR carrying the status code.
func Unwrap(resp *Response) ([]byte, error) {
	var env provider.Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, provider.APIError(http.StatusText(resp.StatusCode), resp.StatusCode)
		}
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}

	if !env.Success || resp.StatusCode >= 400 {
		if env.Error != nil {
			env.Error.StatusCode = resp.StatusCode
			if env.Error.Code == "" {
				env.Error.Code = provider.CodeAPIError
			}
			return nil, env.Error
		}
		return nil, provider.APIError(http.StatusText(resp.StatusCode), resp.StatusCode)
	}
	return env.Data, nil
}
