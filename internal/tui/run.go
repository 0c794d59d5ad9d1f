package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/JakeFAU/sitepdf-client/internal/session"
)

// StatusSubscriber registers for session status changes.
type StatusSubscriber interface {
	Subscribe(fn func(session.Status)) (cancel func())
}

// Run starts the dashboard and blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, subs StatusSubscriber, view PageView, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(New(ctx, ctrl, view), opts...)
	cancel := subs.Subscribe(func(st session.Status) {
		p.Send(StatusMsg(st))
	})
	defer cancel()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}
