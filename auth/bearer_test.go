package auth

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBearerTokenFromRequest(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		query         string
		expectedToken string
		expectedErr   error
	}{
		{
			name:          "Missing Authorization Header",
			authorization: "",
			expectedToken: "",
			expectedErr:   errMissingAuthorizationHeader,
		},
		{
			name:          "Invalid Authorization Header - No Bearer",
			authorization: "Basic some_token",
			expectedToken: "",
			expectedErr:   errInvalidAuthorizationHeader,
		},
		{
			name:          "Invalid Authorization Header - Malformed Bearer Token",
			authorization: "BearerTokenWithoutSpace",
			expectedToken: "",
			expectedErr:   errInvalidAuthorizationHeader,
		},
		{
			name:          "Valid Bearer Token",
			authorization: "Bearer some_valid_token",
			expectedToken: "some_valid_token",
			expectedErr:   nil,
		},
		{
			name:          "Valid Bearer Token with extra spaces",
			authorization: "Bearer   some_valid_token   ",
			expectedToken: "some_valid_token",
			expectedErr:   nil,
		},
		{
			name:          "Query Parameter",
			query:         "access_token=query_token",
			expectedToken: "query_token",
			expectedErr:   nil,
		},
		{
			name:          "Header Wins Over Query Parameter",
			authorization: "Bearer header_token",
			query:         "access_token=query_token",
			expectedToken: "header_token",
			expectedErr:   nil,
		},
		{
			name:          "Blank Query Parameter",
			query:         "access_token=%20",
			expectedToken: "",
			expectedErr:   errMissingAuthorizationHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{
				Header: http.Header{
					authorizationHeader: []string{tt.authorization},
				},
				URL: &url.URL{RawQuery: tt.query},
			}

			token, err := BearerTokenFromRequest(req)
			assert.Equal(t, tt.expectedToken, token)
			assert.Equal(t, tt.expectedErr, err)
		})
	}
}
