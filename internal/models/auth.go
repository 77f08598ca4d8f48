package models

// AuthArtifacts are the bootstrap credentials harvested from the registry
// home page by a render session: the session cookies and the anti-forgery
// token required by the search endpoint.
type AuthArtifacts struct {
	Cookies map[string]string
	Token   string
}
