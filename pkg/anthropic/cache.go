package anthropic

// BuildCachedSystemBlocks constructs a system block with an ephemeral cache
// breakpoint. The extraction instructions are identical across every field
// call of a run, so later calls read them from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
