package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

func languageInstruction(lang string) string {
	switch lang {
	case "zh":
		return "Output requirement: respond in Simplified Chinese throughout unless the user explicitly asks otherwise."
	case "en":
		return "Output requirement: respond in English."
	}
	return ""
}

// agentSystem joins an agent's persona, the language rule and any extra
// context blocks into one system prompt.
func agentSystem(agent agents.Agent, lang string, blocks ...string) string {
	parts := []string{strings.TrimSpace(agent.Persona), languageInstruction(lang)}
	parts = append(parts, blocks...)
	return joinNonEmpty(parts, "\n\n")
}

func joinNonEmpty(parts []string, sep string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func preprocessBlock(p *Preprocess) string {
	if p == nil {
		return ""
	}
	lines := []string{"Attachment digest (for reference):"}
	if p.Summary != "" {
		lines = append(lines, "Summary: "+p.Summary)
	}
	appendList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		lines = append(lines, title)
		for _, it := range items[:min(len(items), 8)] {
			lines = append(lines, "- "+it)
		}
	}
	appendList("Key questions:", p.KeyQuestions)
	appendList("Suggested subtasks:", p.SuggestedSubtasks)
	if len(p.UsedDocs) > 0 {
		lines = append(lines, "Documents: "+strings.Join(p.UsedDocs[:min(len(p.UsedDocs), 12)], ", "))
	}
	return strings.Join(lines, "\n")
}

const preprocessSystem = `You are a document preprocessor. Using the user's question and the attached documents, produce a digest that helps a panel of experts understand the material quickly.
Output strict JSON only, no markdown and no commentary, with this shape:
{"summary":"...","outline":[...],"key_questions":[...],"suggested_subtasks":[...],"used_docs":[...]}
Keep the summary under 200 words, each list to at most 8 items, and put only doc ids in used_docs.`

func preprocessPrompt(query string, docs []store.Document) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User question:\n%s\n\nAttached documents (may be truncated):\n", strings.TrimSpace(query))
	for _, d := range docs {
		fmt.Fprintf(&sb, "\nKB[%s]\nTitle: %s\nContent:\n%s\n", d.ID, d.Title, d.Content)
	}
	return sb.String()
}

// labelledAnswer is an answer as a reviewer sees it.
type labelledAnswer struct {
	Label    string
	Response string
}

func reviewPrompt(query string, answers []labelledAnswer) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are evaluating several anonymous answers to the same question.\n\nQuestion: %s\n\nHere are the answers:\n", query)
	for _, a := range answers {
		fmt.Fprintf(&sb, "\n%s:\n%s\n", a.Label, a.Response)
	}
	sb.WriteString(`
Your task:
1. Evaluate each answer in turn: strengths, weaknesses, key omissions and likely errors.
2. End your reply with a final ranking.

The final ranking must use exactly this format so it can be parsed:
- A line reading "FINAL RANKING:" (upper case, with the colon)
- Then a numbered list from best to worst
- Each line is a number, a period, a space and only the label, for example "1. Response A"
- Nothing else inside the ranking block

Example of the overall structure:

Response A covers X well but misses Y...
Response B reaches the right conclusion but explains Z poorly...

FINAL RANKING:
1. Response B
2. Response A

Now give your evaluation and final ranking:`)
	return sb.String()
}

func answersDigest(answers []AgentAnswer) string {
	var sb strings.Builder
	for _, a := range answers {
		fmt.Fprintf(&sb, "- %s: %s\n\n", a.AgentName, a.Response)
	}
	return strings.TrimSpace(sb.String())
}

func reviewsDigest(reviews []RankingEntry) string {
	var sb strings.Builder
	for _, r := range reviews {
		fmt.Fprintf(&sb, "- Review by %s:\n%s\n\n", r.ReviewerName, r.Critique)
	}
	return strings.TrimSpace(sb.String())
}

func transcript(msgs []DiscussionMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s\n", m.AgentName, m.Content)
	}
	return strings.TrimSpace(sb.String())
}

func seriousRoundPrompt(query string, round, rounds int, answers []AgentAnswer, reviews []RankingEntry, previous []DiscussionMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are taking part in round %d of %d of an expert roundtable. Speak as yourself, using your own background.\n", round, rounds)
	sb.WriteString(`Requirements:
- Respond by name to at least one other expert
- Cite URLs or KB[doc_id] from the provided material when you rely on it
- Keep it between 150 and 450 words

`)
	fmt.Fprintf(&sb, "User question: %s\n\nInitial answers:\n%s\n\nPeer reviews:\n%s\n", query, answersDigest(answers), reviewsDigest(reviews))
	if len(previous) > 0 {
		fmt.Fprintf(&sb, "\nPrevious round:\n%s\n", transcript(previous))
	}
	return sb.String()
}

func leaderSelectionPrompt(query string, candidates []agents.Agent, answers []AgentAnswer, maxLeaders int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You coordinate a panel discussion about: %s\n\nPick between 1 and %d opinion leaders who will open the discussion. ", query, maxLeaders)
	sb.WriteString("Choose experts whose answers add something the others lack.\n\nCandidates:\n")
	for _, a := range candidates {
		fmt.Fprintf(&sb, "- id=%s name=%s\n", a.ID, a.DisplayName())
	}
	fmt.Fprintf(&sb, "\nTheir initial answers:\n%s\n\n", answersDigest(answers))
	sb.WriteString(`Output strict JSON only: {"leaders":["<agent id>", ...]}`)
	return sb.String()
}

// passReply is what a lively participant answers when it has nothing new.
const passReply = "PASS"

func livelyPrompt(query string, leader bool, answers []AgentAnswer, chat []DiscussionMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are in a lively group chat with other experts about: %s\n\n", query)
	if leader {
		sb.WriteString("You are an opinion leader: drive the discussion forward with a new argument, example or counterpoint.\n")
	}
	sb.WriteString("Write one short chat message (at most 120 words). Never repeat or merely agree with what was already said; ")
	fmt.Fprintf(&sb, "if you have nothing new to add, reply with exactly %s.\n\n", passReply)
	fmt.Fprintf(&sb, "Initial answers:\n%s\n\n", answersDigest(answers))
	if len(chat) > 0 {
		fmt.Fprintf(&sb, "Chat so far:\n%s\n", transcript(chat))
	} else {
		sb.WriteString("The chat has not started yet.\n")
	}
	return sb.String()
}

const factCheckSystem = `You are a fact checker and evidence curator. From the experts' answers, reviews and discussion, extract the key claims and attribute evidence to each.
Output strict JSON only, no markdown and no commentary, with this shape:
{"claims":[{"claim":"...","status":"supported|uncertain|refuted","evidence":[{"type":"web|kb|other","ref":"...","note":"..."}],"confidence":0.0}],"open_questions":[...]}
Evidence from the web must include the URL; evidence from attached documents must use KB[doc_id]. List only the 5 to 12 most important claims.`

func factCheckPrompt(query string, extra string, answers []AgentAnswer, reviews []RankingEntry, discussion *Discussion) string {
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	var msgs []DiscussionMessage
	if discussion != nil {
		msgs = discussion.Messages
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "User question: %s\n\n", query)
	if extra != "" {
		fmt.Fprintf(&sb, "Additional material:\n%s\n\n", extra)
	}
	fmt.Fprintf(&sb, "Initial answers:\n%s\n\nPeer reviews:\n%s\n\nDiscussion:\n%s\n", enc(answers), enc(reviews), enc(msgs))
	return sb.String()
}

func chairmanPrompt(query string, rec *TurnRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the Chairman of an LLM Council. Several agents answered the user's question and then ranked each other's answers.\n\nOriginal question: %s\n\n", query)

	sb.WriteString("STAGE 1 - Individual answers:\n")
	for _, a := range rec.Answers.Answers {
		fmt.Fprintf(&sb, "\nAgent: %s (%s)\nModel: %s\nInfluence: %g, SeniorityYears: %d\nResponse: %s\n",
			a.AgentName, a.AgentID, a.Model, a.InfluenceWeight, a.SeniorityYears, a.Response)
	}

	sb.WriteString("\nSTAGE 2 - Peer reviews:\n")
	for _, r := range rec.Review.Reviews {
		fmt.Fprintf(&sb, "\nAgent: %s (%s)\nVoteWeight: %.4g\nReview: %s\n", r.ReviewerName, r.ReviewerID, r.VoteWeight, r.Critique)
	}

	if len(rec.Aggregate) > 0 {
		sb.WriteString("\nAggregate ranking (lower is better):\n")
		for i, e := range rec.Aggregate {
			fmt.Fprintf(&sb, "%d. %s: average %.3f over %d votes\n", i+1, e.AgentName, e.AverageRank, e.Votes)
		}
	}

	if rec.Discussion != nil && len(rec.Discussion.Messages) > 0 {
		msgs := rec.Discussion.Messages
		fmt.Fprintf(&sb, "\nDiscussion:\n%s\n", transcript(msgs[:min(len(msgs), 12)]))
	}
	if rec.FactCheck != nil {
		b, _ := json.Marshal(rec.FactCheck)
		fmt.Fprintf(&sb, "\nFact check:\n%s\n", b)
	}

	sb.WriteString(`
Synthesize all of this into a single, accurate and actionable answer to the original question.
- Separate facts from inference and flag uncertainty or risk where it matters
- Prefer views that several reviewers endorsed or that have stronger evidence, but note important minority counterexamples

Provide the final answer:`)
	return sb.String()
}

func reportPrompt(query, answer, instructions string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Expand the council's final answer into a long-form, well structured report.\n\nOriginal question: %s\n\nFinal answer:\n%s\n\n", query, answer)
	sb.WriteString("Use headings, keep every claim consistent with the final answer and end with open questions and next steps.")
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		fmt.Fprintf(&sb, "\n\nAdditional instructions:\n%s", instructions)
	}
	return sb.String()
}

func titlePrompt(query, lang string) string {
	if lang == "zh" {
		return fmt.Sprintf("Generate a very short title (at most 3-5 Chinese words) for the following question, without quotes or punctuation.\n\nQuestion: %s\n\nTitle:", query)
	}
	return fmt.Sprintf("Generate a very short title (3-5 words maximum) that summarizes the following question.\nThe title should be concise and descriptive. Do not use quotes or punctuation in the title.\n\nQuestion: %s\n\nTitle:", query)
}
