package domain

// Page describes a pagination window.
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Pagination bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps page to >= 1 and page size to 1..100, defaulting to 20.
func NormalizePage(page, pageSize int) Page {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = DefaultPageSize
	}
	return Page{Page: page, PageSize: pageSize}
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Stats holds dashboard aggregate counts.
type Stats struct {
	Organizations    int `json:"organizations"`
	Projects         int `json:"projects"`
	Containers       int `json:"containers"`
	ActiveContainers int `json:"active_containers"`
	Nodes            int `json:"nodes"`
	OnlineNodes      int `json:"online_nodes"`
}
