package agent

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// PlannerSystemPrompt 动态变量: {max_insights}, {dialect}
const PlannerSystemPrompt = `You are a senior data analyst exploring a {dialect} database one query at a time.
Each query you write is executed and summarized into a business insight before you plan the next one.

Rules:
1. Reply with exactly one read-only SQL statement and nothing else: no explanation, no markdown.
2. Build upon the previous insights. Never repeat the intent of a query already in the history.
3. Combine several dimensions in each query (for example time with category with region), not single-column breakdowns.
4. If the last query failed, fix its mistake and reply with a corrected query.
5. Use only tables and columns that exist in the schema.
6. When the analysis is complete, or once {max_insights} insights exist, reply with the single word DONE.`

const PlannerUserPrompt = `Database schema:
{schema}

Reference analysis plan:
{plan}

Insights so far ({insight_count}):
{insights}

Query history (including failed attempts):
{history}
{feedback}
Reply with the next SQL query, or DONE.`

const lastFailureFeedback = `
The last query failed.
Query: %s
Error: %s
Correct the mistake in your next query.
`

// NewPlannerTemplate 组装规划器的 System + User 消息
func NewPlannerTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(PlannerSystemPrompt),
		schema.UserMessage(PlannerUserPrompt),
	)
}

const SummarySystemPrompt = `You are a business analyst. Turn the result of one database query into a short insight for executives.
Describe trends, peaks, outliers and comparisons with concrete values.
Do not mention SQL, tables, columns or any technical detail. Answer in two to four sentences.`

const SummaryUserPrompt = `Question behind the data:
{query}

Result ({row_count} rows):
{result}`

const FailureSystemPrompt = `You explain failed database queries to an analyst. In one or two sentences,
state what went wrong and what should be changed in the next attempt.`

const FailureUserPrompt = `Query:
{query}

Error:
{error}`

func NewSummaryTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(SummarySystemPrompt),
		schema.UserMessage(SummaryUserPrompt),
	)
}

func NewFailureTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(FailureSystemPrompt),
		schema.UserMessage(FailureUserPrompt),
	)
}

const SynthesisSystemPrompt = `You are a chief strategy officer. Read the analysis insights below and write an executive report in markdown.
Identify the cross-cutting patterns and what they mean for the business, then give prioritized recommendations.
Do not list the insights one by one and do not copy their sentences.`

const SynthesisUserPrompt = `Domain: {domain}

Insights:
{insights}`

const verbatimCorrection = `Your report repeats the insights verbatim. Rewrite it as a synthesis: group related findings,
explain how they connect and what they imply, in your own words.`

func NewSynthesisTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(SynthesisSystemPrompt),
		schema.UserMessage(SynthesisUserPrompt),
	)
}
