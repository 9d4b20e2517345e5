package identity

import (
	"net/url"
	"slices"
	"strings"
)

// All matches every hair style or hair colour.
const All = "all"

var gallery = []string{
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short01&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short02&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short03&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short04&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short05&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short06&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short07&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short08&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short09&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short10&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short11&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short12&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short13&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short14&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=short15&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long01&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long02&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long07&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long08&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long03&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long04&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long09&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long10&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long05&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long06&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long11&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long12&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long13&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long14&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long15&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=long16&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=fonze&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=mohawk01&hairColor=d4a12a",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=justjim&hairColor=4a312c",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=doug&hairColor=cb6820",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=mrT&hairColor=2c1b18",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=pigtails&hairColor=e8e1e1",
	"https://api.dicebear.com/8.x/adventurer/svg?hair=shaven&hairColor=4a312c",
	"https://api.dicebear.com/avataaars/svg?seed=angel",
	"https://api.dicebear.com/big-smile/svg?seed=daisy",
	"https://api.dicebear.com/miniavs/svg?seed=minnie",
	"https://api.dicebear.com/pixel-art/svg?seed=pixie",
	"https://api.dicebear.com/bottts/svg?seed=botty-bot",
	"https://api.dicebear.com/croodles/svg?seed=croodle-friend",
	"https://api.dicebear.com/notionists/svg?seed=nina",
	"https://api.dicebear.com/rings/svg?seed=ring-master",
	"https://api.dicebear.com/lorelei/svg?seed=lorel",
}

// Avatars lists the gallery entries matching a hair style prefix and a hair
// colour. Entries of other styles carry no hair options and only match when
// both filters are All.
func Avatars(hair, colour string) []string {
	var out []string
	for _, raw := range gallery {
		if !strings.Contains(raw, "adventurer") {
			if hair == All && colour == All {
				out = append(out, raw)
			}
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		q := u.Query()
		if colour != All && q.Get("hairColor") != colour {
			continue
		}
		if hair != All && !hasPrefixOption(q.Get("hair"), hair) {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func hasPrefixOption(options, prefix string) bool {
	if options == "" {
		return false
	}
	for _, opt := range strings.Split(options, ",") {
		if strings.HasPrefix(opt, prefix) {
			return true
		}
	}
	return false
}

// IsGalleryAvatar reports whether u is one of the gallery entries.
func IsGalleryAvatar(u string) bool {
	return slices.Contains(gallery, u)
}
