package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP route.
type ActionResource struct {
	Action   string
	Resource string
}

const apiPrefix = "/api/v1/"

// Route overrides where the path alone does not name the action.
var routeOverrides = map[string]ActionResource{
	"POST /api/v1/pairing/codes":    {Action: "issue", Resource: "pairing_code"},
	"POST /api/v1/pairing/decode":   {Action: "decode", Resource: "pairing_code"},
	"POST /api/v1/pairing/complete": {Action: "complete", Resource: "pairing"},
}

// ParseRoute returns action and resource for an HTTP method and mux route template
// (e.g. DELETE /api/v1/devices/{deviceId} -> delete device).
// A POST to a trailing verb segment uses that verb (POST /api/v1/sessions/revoke -> revoke session).
func ParseRoute(method, route string) ActionResource {
	method = strings.ToUpper(method)
	if ar, ok := routeOverrides[method+" "+route]; ok {
		return ar
	}
	if !strings.HasPrefix(route, apiPrefix) {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	var segments []string
	for _, s := range strings.Split(strings.TrimPrefix(route, apiPrefix), "/") {
		if s != "" && !strings.HasPrefix(s, "{") {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource := singular(segments[0])
	if method == "POST" && len(segments) > 1 {
		return ActionResource{Action: segments[len(segments)-1], Resource: resource}
	}
	return ActionResource{Action: methodToAction(method, strings.HasSuffix(route, "}")), Resource: resource}
}

func singular(s string) string {
	if strings.HasSuffix(s, "s") && len(s) > 1 {
		return s[:len(s)-1]
	}
	return s
}

func methodToAction(method string, single bool) string {
	switch method {
	case "GET":
		if single {
			return "get"
		}
		return "list"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
