package interceptor

import "testing"

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantRoute Route
		wantErr   bool
	}{
		{
			name:      "anthropic messages",
			path:      "/api/anthropic/v1/messages",
			wantRoute: Route{Provider: "anthropic", APIPath: "/v1/messages"},
		},
		{
			name:      "openai chat completions",
			path:      "/api/openai/v1/chat/completions",
			wantRoute: Route{Provider: "openai", APIPath: "/v1/chat/completions"},
		},
		{
			name:      "zhipu non-standard path",
			path:      "/api/zhipu/paas/v4/chat/completions",
			wantRoute: Route{Provider: "zhipu", APIPath: "/paas/v4/chat/completions"},
		},
		{
			name:      "provider only, no api path",
			path:      "/api/anthropic",
			wantRoute: Route{Provider: "anthropic", APIPath: ""},
		},
		{
			name:    "missing api prefix",
			path:    "/provider/anthropic/v1/messages",
			wantErr: true,
		},
		{
			name:    "empty path",
			path:    "",
			wantErr: true,
		},
		{
			name:    "root only",
			path:    "/",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := ParseRoute(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route != tt.wantRoute {
				t.Errorf("ParseRoute(%q) = %+v, want %+v", tt.path, route, tt.wantRoute)
			}
		})
	}
}
