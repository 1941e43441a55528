package feishu

import (
	"fmt"
	"time"

	"limitwatch/internal/monitor"
)

// Card payload types, shaped after the interactive message schema. Only the
// elements this system emits are modeled.

type Message struct {
	MsgType string `json:"msg_type"`
	Card    Card   `json:"card"`
}

type Card struct {
	Config   CardConfig `json:"config"`
	Header   CardHeader `json:"header"`
	Elements []Element  `json:"elements"`
}

type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

type CardHeader struct {
	Title    Text   `json:"title"`
	Template string `json:"template"`
}

type Text struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// Element is a loose union over div / hr / action blocks.
type Element struct {
	Tag     string   `json:"tag"`
	Text    *Text    `json:"text,omitempty"`
	Fields  []Field  `json:"fields,omitempty"`
	Actions []Button `json:"actions,omitempty"`
}

type Field struct {
	IsShort bool `json:"is_short"`
	Text    Text `json:"text"`
}

type Button struct {
	Tag   string         `json:"tag"`
	Text  Text           `json:"text"`
	Type  string         `json:"type"`
	URL   string         `json:"url,omitempty"`
	Value map[string]any `json:"value,omitempty"`
}

func plainText(s string) Text { return Text{Tag: "plain_text", Content: s} }
func markdown(s string) Text  { return Text{Tag: "lark_md", Content: s} }

func hr() Element { return Element{Tag: "hr"} }

func mdDiv(s string) Element {
	t := markdown(s)
	return Element{Tag: "div", Text: &t}
}

// ButtonMode selects how card action buttons trigger commands.
type ButtonMode int

const (
	// ButtonURL renders buttons as /trigger/... links (webhook-only setups,
	// where the platform cannot call back into the daemon).
	ButtonURL ButtonMode = iota
	// ButtonCallback renders buttons that post a card.action.trigger event
	// carrying {"command": ...} back to the callback endpoint.
	ButtonCallback
)

// StatusCard renders one card covering every account that warranted a
// notification in a single polling cycle. Suppressed accounts are simply
// absent. The header reflects the worst state in the batch.
func StatusCard(evals []monitor.Evaluation, mode ButtonMode, triggerBase, simpleKey string) Message {
	emoji, statusText, color := "🟢", "正常", "green"
	for _, ev := range evals {
		if ev.Snapshot.Limited {
			emoji, statusText, color = "🔴", "限流中", "red"
			break
		}
	}

	var elements []Element
	for i, ev := range evals {
		if i > 0 {
			elements = append(elements, hr())
		}
		elements = append(elements, accountElements(ev.Snapshot)...)
	}
	elements = append(elements, hr(), actionsElement(mode, triggerBase, simpleKey))

	return Message{
		MsgType: "interactive",
		Card: Card{
			Config:   CardConfig{WideScreenMode: true},
			Header:   CardHeader{Title: plainText(fmt.Sprintf("%s Claude 状态%s", emoji, statusText)), Template: color},
			Elements: elements,
		},
	}
}

func accountElements(s monitor.Snapshot) []Element {
	statusText := "正常"
	if s.Limited {
		statusText = "限流中"
	}

	elements := []Element{
		{
			Tag: "div",
			Fields: []Field{
				{IsShort: true, Text: markdown(fmt.Sprintf("**账户名称**\n%s", s.Name))},
				{IsShort: true, Text: markdown(fmt.Sprintf("**当前状态**\n%s", statusText))},
			},
		},
		{
			Tag: "div",
			Fields: []Field{
				{IsShort: true, Text: markdown(fmt.Sprintf("**今日请求**\n%d", s.Requests))},
				{IsShort: true, Text: markdown(fmt.Sprintf("**今日Token**\n%d", s.Tokens))},
			},
		},
	}

	if s.Limited {
		elements = append(elements, mdDiv("⚠️ 限流警告"),
			mdDiv(fmt.Sprintf("**剩余恢复时长**: %d 分钟", s.MinutesRemaining)))
		if at, ok := s.RecoveryAt(); ok {
			elements = append(elements, mdDiv(fmt.Sprintf("**恢复时间**: %s", at.Local().Format("2006/01/02 15:04"))))
		}
	}
	return elements
}

func actionsElement(mode ButtonMode, triggerBase, simpleKey string) Element {
	if mode == ButtonCallback {
		return Element{
			Tag: "action",
			Actions: []Button{
				{Tag: "button", Text: plainText("监控账户状态"), Type: "default", Value: map[string]any{"command": "check_accounts"}},
				{Tag: "button", Text: plainText("监控API使用情况"), Type: "primary", Value: map[string]any{"command": "check_api_usage"}},
			},
		}
	}
	return Element{
		Tag: "action",
		Actions: []Button{
			{Tag: "button", Text: plainText("监控账户状态"), Type: "default",
				URL: fmt.Sprintf("%s/trigger/check_accounts?k=%s", triggerBase, simpleKey)},
			{Tag: "button", Text: plainText("监控API使用情况"), Type: "primary",
				URL: fmt.Sprintf("%s/trigger/check_api_usage?k=%s", triggerBase, simpleKey)},
		},
	}
}

// UsageCard renders the API-key usage summary card.
func UsageCard(stats UsageStats, at time.Time) Message {
	elements := []Element{
		{
			Tag: "div",
			Fields: []Field{
				{IsShort: true, Text: markdown(fmt.Sprintf("**API密钥总数**\n%d", stats.TotalKeys))},
				{IsShort: true, Text: markdown(fmt.Sprintf("**活跃密钥数**\n%d", stats.ActiveKeys))},
				{IsShort: true, Text: markdown(fmt.Sprintf("**今日总请求**\n%d", stats.TotalRequests))},
				{IsShort: true, Text: markdown(fmt.Sprintf("**今日总Token**\n%d", stats.TotalTokens))},
			},
		},
		hr(),
		mdDiv(fmt.Sprintf("**今日总费用**: $%.2f", stats.TotalCost)),
		mdDiv(fmt.Sprintf("**统计时间**: %s", at.Local().Format("2006-01-02 15:04:05"))),
	}
	return Message{
		MsgType: "interactive",
		Card: Card{
			Config:   CardConfig{WideScreenMode: true},
			Header:   CardHeader{Title: plainText("📈 API 使用情况"), Template: "blue"},
			Elements: elements,
		},
	}
}

// ErrorCard renders an operator-facing failure notice.
func ErrorCard(detail string, at time.Time) Message {
	return Message{
		MsgType: "interactive",
		Card: Card{
			Config: CardConfig{WideScreenMode: true},
			Header: CardHeader{Title: plainText("❌ Claude 监控系统错误"), Template: "red"},
			Elements: []Element{
				mdDiv("### 🚨 错误详情"),
				mdDiv(fmt.Sprintf("**错误信息**\n```\n%s\n```", detail)),
				hr(),
				mdDiv(fmt.Sprintf("**发生时间**\n%s", at.Local().Format("2006-01-02 15:04:05"))),
			},
		},
	}
}

// UsageStats is the aggregate consumed by UsageCard. Produced by the usage
// fetcher.
type UsageStats struct {
	TotalKeys     int
	ActiveKeys    int
	TotalRequests int64
	TotalTokens   int64
	TotalCost     float64
}
