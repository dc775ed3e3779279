// Package app is the terminal client: a list of pastes, an input line to
// add one, and a prompt for device requests.
package app

import (
	"context"
	"e2e_paste/internal/model"
	"e2e_paste/internal/service/streamsync"
	"e2e_paste/internal/utils/log"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageMain    = "main"
	pageRequest = "request"
	pageView    = "view"
)

type (
	// Engine is the write side of the sync engine used by the UI.
	Engine interface {
		AddPasteText(ctx context.Context, text string, sensitive bool) (model.StreamEvent, error)
		DeletePastes(ctx context.Context, ids ...string) error
		ApproveDevice(ctx context.Context, deviceID string) error
		RejectDevice(deviceID string) error
	}

	App struct {
		app    *tview.Application
		pages  *tview.Pages
		list   *tview.List
		input  *tview.InputField
		status *tview.TextView

		engine  Engine
		user    model.User
		offline bool

		ctx       context.Context
		running   atomic.Bool
		sensitive atomic.Bool

		mu    sync.Mutex
		board *board
	}
)

func NewApp(user model.User, offline bool) *App {
	return &App{
		app:     tview.NewApplication(),
		user:    user,
		offline: offline,
		ctx:     context.Background(),
		board:   newBoard(),
	}
}

// SetEngine must be called before Run. The engine is built with Handlers,
// so it cannot be passed to NewApp.
func (a *App) SetEngine(e Engine) {
	a.engine = e
}

func (a *App) Handlers() streamsync.Handlers {
	return streamsync.Handlers{
		OnPhase: func(p streamsync.Phase) {
			a.update(func(b *board) { b.phase = p })
		},
		OnLoadedCache: func(pastes []model.StreamEvent) {
			a.update(func(b *board) { b.load(pastes) })
		},
		OnPastesAdded: func(pastes []model.StreamEvent) {
			a.update(func(b *board) { b.add(pastes) })
		},
		OnPastesDeleted: func(ids []string) {
			a.update(func(b *board) { b.remove(ids) })
		},
		OnDevicesChanged: func(devices []model.Device) {
			a.update(func(b *board) { b.devices = devices })
		},
		OnDeviceRequest: func(req *model.DeviceRequestPayload) {
			a.update(func(b *board) { b.pending = req })
		},
		OnError: func(err error) {
			a.update(func(b *board) { b.lastErr = err.Error() })
		},
	}
}

// Run blocks until the user quits or ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.ctx = ctx
	a.build()

	stop := context.AfterFunc(ctx, a.app.Stop)
	defer stop()

	a.running.Store(true)
	defer a.running.Store(false)
	a.redraw()
	return a.app.SetRoot(a.pages, true).SetFocus(a.input).Run()
}

func (a *App) build() {
	a.list = tview.NewList().
		ShowSecondaryText(true).
		SetHighlightFullLine(true)
	a.list.SetBorder(true).SetTitle(" Pastes ")
	a.list.SetInputCapture(a.listKeys)
	a.list.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		a.showPaste(i)
	})

	a.input = tview.NewInputField().
		SetLabel(a.inputLabel()).
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" New paste (Enter send, Ctrl-S sensitive, Tab list) ")
	a.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			a.submit(a.input.GetText())
		case tcell.KeyTab:
			a.app.SetFocus(a.list)
		}
	})
	a.input.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlS {
			a.sensitive.Store(!a.sensitive.Load())
			a.input.SetLabel(a.inputLabel())
			return nil
		}
		return ev
	})

	a.status = tview.NewTextView().SetDynamicColors(true)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.list, 0, 1, false).
		AddItem(a.input, 3, 0, true).
		AddItem(a.status, 1, 0, false)

	a.pages = tview.NewPages().AddPage(pageMain, layout, true, true)
}

func (a *App) inputLabel() string {
	if a.sensitive.Load() {
		return "[yellow]Sensitive:[-] "
	}
	return "Paste: "
}

func (a *App) listKeys(ev *tcell.EventKey) *tcell.EventKey {
	switch {
	case ev.Key() == tcell.KeyTab || ev.Key() == tcell.KeyEscape:
		a.app.SetFocus(a.input)
		return nil
	case ev.Rune() == 'd':
		a.deleteSelected()
		return nil
	case ev.Rune() == 'r':
		a.mu.Lock()
		if p, ok := a.board.at(a.list.GetCurrentItem()); ok {
			a.board.toggleReveal(p.Id)
		}
		a.mu.Unlock()
		a.redraw()
		return nil
	}
	return ev
}

func (a *App) submit(text string) {
	if text == "" {
		return
	}
	sensitive := a.sensitive.Load()
	go func() {
		if _, err := a.engine.AddPasteText(a.ctx, text, sensitive); err != nil {
			log.Error("add paste failed", zap.Error(err))
			a.update(func(b *board) { b.lastErr = fmt.Sprintf("not sent: %v", err) })
			return
		}
		a.app.QueueUpdateDraw(func() {
			if a.input.GetText() == text {
				a.input.SetText("")
			}
		})
	}()
}

func (a *App) deleteSelected() {
	a.mu.Lock()
	p, ok := a.board.at(a.list.GetCurrentItem())
	a.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		if err := a.engine.DeletePastes(a.ctx, p.Id); err != nil {
			log.Error("delete paste failed", zap.String("id", p.Id), zap.Error(err))
			a.update(func(b *board) { b.lastErr = fmt.Sprintf("not deleted: %v", err) })
		}
	}()
}

func (a *App) showPaste(i int) {
	a.mu.Lock()
	p, ok := a.board.at(i)
	a.mu.Unlock()
	if !ok {
		return
	}
	view := tview.NewTextView().SetText(p.Payload).SetScrollable(true)
	view.SetBorder(true).SetTitle(fmt.Sprintf(" %s  (Esc to close) ", pasteTime(p)))
	view.SetDoneFunc(func(tcell.Key) {
		a.pages.RemovePage(pageView)
		a.app.SetFocus(a.list)
	})
	a.pages.AddPage(pageView, view, true, true)
}

// update applies fn to the board and schedules a redraw.
func (a *App) update(fn func(b *board)) {
	a.mu.Lock()
	fn(a.board)
	a.mu.Unlock()
	if a.running.Load() {
		a.app.QueueUpdateDraw(a.redraw)
	}
}

// redraw runs on the UI goroutine.
func (a *App) redraw() {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.list.GetCurrentItem()
	a.list.Clear()
	for _, p := range a.board.pastes {
		a.list.AddItem(pasteLine(p, a.board.revealed[p.Id]), pasteTime(p), 0, nil)
	}
	if current < a.list.GetItemCount() {
		a.list.SetCurrentItem(current)
	}
	a.status.SetText(statusLine(a.user, a.offline, a.board))

	a.syncRequestPage(a.board.pending)
}

func (a *App) syncRequestPage(req *model.DeviceRequestPayload) {
	if req == nil {
		if a.pages.HasPage(pageRequest) {
			a.pages.RemovePage(pageRequest)
			a.app.SetFocus(a.input)
		}
		return
	}
	if a.pages.HasPage(pageRequest) {
		return
	}

	id := req.Id
	modal := tview.NewModal().
		SetText(requestText(req)).
		AddButtons([]string{"Approve", "Reject"}).
		SetDoneFunc(func(_ int, label string) {
			a.mu.Lock()
			if a.board.pending != nil && a.board.pending.Id == id {
				a.board.pending = nil
			}
			a.mu.Unlock()
			a.pages.RemovePage(pageRequest)
			a.app.SetFocus(a.input)
			go a.answer(id, label == "Approve")
		})
	a.pages.AddPage(pageRequest, modal, true, true)
}

func (a *App) answer(id string, approve bool) {
	var err error
	if approve {
		err = a.engine.ApproveDevice(a.ctx, id)
	} else {
		err = a.engine.RejectDevice(id)
	}
	if err != nil {
		log.Error("answer device request failed", zap.String("device", id), zap.Bool("approve", approve), zap.Error(err))
		a.update(func(b *board) { b.lastErr = err.Error() })
		return
	}
	log.Info("device request answered", zap.String("device", id), zap.Bool("approve", approve))
}
