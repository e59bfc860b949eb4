package models

// Schema lists every table owned by the local cache, in migration order.
func Schema() []any {
	return []any{
		&PostDetails{},
		&PostCounts{},
		&PostRelationships{},
		&PostTags{},
		&PostStream{},
		&Notification{},
	}
}
