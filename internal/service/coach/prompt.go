// Package coach 把教练资料转换成对话引擎的会话指令。
package coach

import (
	"fmt"
	"strings"

	coachModel "github.com/zhouzirui/z-tavern/relay/internal/model/coach"
	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
)

// Directory 基于 Store 为会话提供教练默认值
type Directory struct {
	store    coachModel.Store
	platform string
}

// NewDirectory 创建教练目录，platform 为空时不在指令中提及平台名称。
func NewDirectory(store coachModel.Store, platform string) *Directory {
	return &Directory{store: store, platform: strings.TrimSpace(platform)}
}

// Profile 实现 session.CoachDirectory
func (d *Directory) Profile(coachID, userName string) (session.CoachProfile, bool) {
	if d == nil || d.store == nil || strings.TrimSpace(coachID) == "" {
		return session.CoachProfile{}, false
	}
	c, ok := d.store.FindByID(coachID)
	if !ok {
		return session.CoachProfile{}, false
	}
	return session.CoachProfile{
		Name:         c.Name,
		Instructions: d.BuildInstructions(c, userName),
		Greeting:     BuildGreeting(c, userName),
		Voice:        c.EngineVoice,
	}, true
}

// BuildInstructions creates the session instructions for the coach
func (d *Directory) BuildInstructions(c coachModel.Coach, userName string) string {
	var b strings.Builder

	where := ""
	if d.platform != "" {
		where = " at " + d.platform
	}
	fmt.Fprintf(&b, "You are %s, a %s coach%s.", c.Name, c.Specialty, where)
	if c.Description != "" {
		fmt.Fprintf(&b, " %s", c.Description)
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Identity:\n- Always introduce yourself as %s and never as another coach.\n", c.Name)
	if c.Tone != "" {
		fmt.Fprintf(&b, "- Your tone is %s.\n", c.Tone)
	}
	if len(c.Expertise) > 0 {
		fmt.Fprintf(&b, "- Your focus areas: %s.\n", strings.Join(c.Expertise, ", "))
	}
	if c.PromptHint != "" {
		fmt.Fprintf(&b, "- %s\n", c.PromptHint)
	}

	b.WriteString(`
Style:
- Speak naturally and conversationally, like a mentor talking with a colleague.
- Keep every answer short, around 15 to 20 seconds of speech. Offer to go deeper instead of lecturing.
- Use everyday language rather than corporate jargon.
- When the user asks to save the conversation, confirm that you will save it.
`)

	if name := strings.TrimSpace(userName); name != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s. Greet them by name.\n", name)
	}

	return strings.TrimSpace(b.String())
}

// BuildGreeting 返回开场白，提供用户名时在前面加上称呼。
func BuildGreeting(c coachModel.Coach, userName string) string {
	greeting := strings.TrimSpace(c.OpeningLine)
	if greeting == "" {
		greeting = fmt.Sprintf("Hi, I'm %s. What would you like to work on today?", c.Name)
	}
	if name := strings.TrimSpace(userName); name != "" {
		greeting = fmt.Sprintf("Hello %s! %s", name, greeting)
	}
	return greeting
}
