package tools

// Input schemas for the memory tools, validated before dispatch. The
// collection enum tracks the built-in collections.

const searchMemorySchema = `{
	"type": "object",
	"properties": {
		"collection": {
			"type": "string",
			"description": "Collection to search (invoices, social_posts, ad_reports, agent_context)",
			"enum": ["invoices", "social_posts", "ad_reports", "agent_context"]
		},
		"query": {
			"type": "string",
			"description": "Search query text (will be embedded for semantic search)"
		},
		"top_k": {
			"type": "number",
			"description": "Number of results to return (default: 10)",
			"default": 10
		},
		"filters": {
			"type": "object",
			"description": "Optional equality filters on payload fields (e.g. {\"matched\": false, \"brand\": \"pomandi\"})",
			"additionalProperties": true
		}
	},
	"required": ["collection", "query"],
	"additionalProperties": false
}`

const saveToMemorySchema = `{
	"type": "object",
	"properties": {
		"collection": {
			"type": "string",
			"description": "Collection to save to",
			"enum": ["invoices", "social_posts", "ad_reports", "agent_context"]
		},
		"content": {
			"type": "string",
			"description": "Text content to embed and save"
		},
		"metadata": {
			"type": "object",
			"description": "Additional metadata to store (must match collection schema)",
			"additionalProperties": true
		}
	},
	"required": ["collection", "content", "metadata"],
	"additionalProperties": false
}`

const getMemoryStatsSchema = `{
	"type": "object",
	"properties": {},
	"required": [],
	"additionalProperties": false
}`

const checkDuplicateSchema = `{
	"type": "object",
	"properties": {
		"collection": {
			"type": "string",
			"description": "Collection to probe",
			"enum": ["invoices", "social_posts", "ad_reports", "agent_context"]
		},
		"content": {
			"type": "string",
			"description": "Candidate content to test for near-duplicates"
		},
		"threshold": {
			"type": "number",
			"description": "Similarity above which the candidate counts as a duplicate (default: 0.90)",
			"minimum": 0,
			"maximum": 1
		}
	},
	"required": ["collection", "content"],
	"additionalProperties": false
}`

const searchMemoryDescription = `Search for similar content in memory using semantic search.

Returns relevant historical data based on similarity to the query.
Useful for finding past invoices, social posts, ad reports, etc.

Collections available:
- invoices: Invoice content for matching against transactions
- social_posts: Past social media captions and performance
- ad_reports: Google Ads campaign performance data
- agent_context: General agent execution history`

const saveToMemoryDescription = `Save new content to memory for future retrieval.

Generates an embedding and stores it in the vector database. Saved
content is available for semantic search immediately.`

const getMemoryStatsDescription = `Get memory system statistics: cache hit
rates, collection sizes and embedding cache counters.`

const checkDuplicateDescription = `Check whether content is a near-duplicate
of anything already stored in a collection. Returns the top similarity and
the matching id when one clears the threshold.`
