package gateway

import (
	"fmt"

	"photovote/internal/photovote"
)

type demoPhoto struct {
	pexelsID     int
	title        string
	photographer string
	votes        int
	date         string
	description  string
}

var demoPhotos = []demoPhoto{
	{1252983, "Mountain Lake", "John Smith", 324, "2023-05-15", "Beautiful mountain lake at sunset with reflections."},
	{747964, "Forest Path", "Emma Johnson", 156, "2023-05-18", "A serene path through a lush green forest."},
	{1671325, "Beach Sunset", "Maria Garcia", 289, "2023-05-20", "Golden sunset over calm ocean waters."},
	{1619569, "City Skyline", "David Lee", 198, "2023-05-22", "Modern city skyline at night with colorful lights."},
	{3225517, "Mountain Peak", "Alex Chen", 245, "2023-05-25", "Snow-capped mountain peak against a clear blue sky."},
	{1562058, "Desert Landscape", "Sarah Williams", 132, "2023-05-28", "Vast desert landscape with rolling sand dunes."},
	{1179229, "Autumn Colors", "Michael Brown", 276, "2023-06-01", "Vibrant autumn leaves in a forest setting."},
	{1366919, "Waterfall", "Jennifer Taylor", 312, "2023-06-05", "Powerful waterfall cascading down rocky cliffs."},
}

// DemoPhotoURL is the image URL of a demo photo.
func DemoPhotoURL(pexelsID int) string {
	return fmt.Sprintf("https://images.pexels.com/photos/%d/pexels-photo-%d.jpeg?auto=compress&cs=tinysrgb&dpr=2&h=750&w=1260", pexelsID, pexelsID)
}

// SeedDemo fills the photos table with the demo catalog. Photo ids are
// "1" to "8"; external ids are "pexels-<id>".
func (g *MemoryGateway) SeedDemo() {
	for i, p := range demoPhotos {
		g.Insert(photovote.TablePhotos, map[string]any{
			"id":           fmt.Sprint(i + 1),
			"external_id":  fmt.Sprintf("pexels-%d", p.pexelsID),
			"url":          DemoPhotoURL(p.pexelsID),
			"title":        p.title,
			"photographer": p.photographer,
			"votes":        p.votes,
			"date_added":   p.date + "T00:00:00Z",
			"description":  p.description,
		})
	}
}
