package anthropic

// BuildCachedSystemBlocks constructs a system block with a prompt-cache
// breakpoint. The Phase 2/3 instructions are identical for every item, so
// after the first call of a batch the prefix is read from the cache.
func BuildCachedSystemBlocks(text string, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
