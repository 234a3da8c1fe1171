package demoserver

// PageVersion is the body served for one version of a page.
type PageVersion struct {
	Body        string
	ContentType string
}

// PageDefinition holds all versions of a single page.
type PageDefinition struct {
	Path        string
	Description string
	Versions    map[int]PageVersion
}

func (p PageDefinition) maxVersion() int {
	m := 1
	for v := range p.Versions {
		m = max(m, v)
	}
	return m
}

// version returns the requested version, falling back to the closest
// lower one.
func (p PageDefinition) version(v int) PageVersion {
	for ; v >= 1; v-- {
		if pv, ok := p.Versions[v]; ok {
			return pv
		}
	}
	return p.Versions[1]
}

// GetAllPages returns all demo page definitions.
func GetAllPages() []PageDefinition {
	return []PageDefinition{
		{
			Path:        "/",
			Description: "News page; each version adds a headline",
			Versions: map[int]PageVersion{
				1: {Body: newsPage("Demo News", "Site launched")},
				2: {Body: newsPage("Demo News", "Site launched", "Prices updated")},
				3: {Body: newsPage("Demo News", "Site launched", "Prices updated", "Maintenance on Sunday")},
			},
		},
		{
			Path:        "/prices.json",
			Description: "JSON price list; version 2 changes one price",
			Versions: map[int]PageVersion{
				1: {Body: `{"widget": 10, "gadget": 25}`, ContentType: "application/json"},
				2: {Body: `{"widget": 12, "gadget": 25}`, ContentType: "application/json"},
			},
		},
		{
			Path:        "/release.txt",
			Description: "Plain text release notes; version 2 removes a line",
			Versions: map[int]PageVersion{
				1: {Body: "v1.0 initial release\nv1.1 bug fixes\n", ContentType: "text/plain; charset=utf-8"},
				2: {Body: "v1.1 bug fixes\n", ContentType: "text/plain; charset=utf-8"},
			},
		},
	}
}

func newsPage(title string, headlines ...string) string {
	body := "<!DOCTYPE html>\n<html>\n<head><title>" + title + "</title></head>\n<body>\n<h1>" + title + "</h1>\n<ul id=\"news\">\n"
	for _, h := range headlines {
		body += "  <li>" + h + "</li>\n"
	}
	return body + "</ul>\n<p class=\"footer\">served by the kansoku demo server</p>\n</body>\n</html>\n"
}
