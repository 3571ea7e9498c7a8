package media

import (
	"strings"

	"github.com/google/uuid"
)

func uuidToken() string {
	return uuid.New().String()
}

// mediaTypeFromKey recovers the MediaType from a storage key of the form
// `<type>/yyyy/MM/dd/<hash><ext>`.
func mediaTypeFromKey(key string) MediaType {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) == 0 {
		return MediaOther
	}
	switch parts[0] {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	case "audio":
		return MediaAudio
	default:
		return MediaOther
	}
}

// hashFromKey recovers the hash/etag component of a storage key (the
// filename without its extension).
func hashFromKey(key string) string {
	idx := strings.LastIndex(key, "/")
	name := key
	if idx >= 0 {
		name = key[idx+1:]
	}
	if dot := strings.LastIndex(name, "."); dot > 0 {
		return name[:dot]
	}
	return name
}
