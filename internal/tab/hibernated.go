package tab

// HibernatedTab is what is kept to recreate a tab that was closed by hard hibernation.
type HibernatedTab struct {
	ID           int    `json:"id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	FavIconURL   string `json:"favIconUrl,omitempty"`
	WindowID     int    `json:"windowId"`
	HibernatedAt int64  `json:"hibernatedAt"`
}

// HibernatedFromRecord captures the fields needed to restore r later.
func HibernatedFromRecord(r Record, at int64) HibernatedTab {
	return HibernatedTab{
		ID:           r.TabID,
		URL:          r.URL,
		Title:        r.Title,
		FavIconURL:   r.FavIconURL,
		WindowID:     r.WindowID,
		HibernatedAt: at,
	}
}
