package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func paginationFor(t *testing.T, query string) (int, int) {
	t.Helper()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/documents"+query, nil)
	return GetPaginationParams(c)
}

func TestGetPaginationParams(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		query    string
		page     int
		pageSize int
	}{
		{"defaults", "", 1, 10},
		{"explicit", "?page=3&per_page=25", 3, 25},
		{"zero page clamps", "?page=0", 1, 10},
		{"negative page clamps", "?page=-2", 1, 10},
		{"oversized per_page clamps", "?per_page=500", 1, 10},
		{"malformed values fall back", "?page=abc&per_page=xyz", 1, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, pageSize := paginationFor(t, tc.query)
			assert.Equal(t, tc.page, page)
			assert.Equal(t, tc.pageSize, pageSize)
		})
	}
}
