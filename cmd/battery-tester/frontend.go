package main

import (
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/battery-tester/internal/gpio"
	"github.com/sweeney/battery-tester/internal/indicator"
)

// blinkTicks is the number of polls per half period of the start prompt.
const blinkTicks = 5

// frontEnd turns operator input (buttons, OS signals) into scheduler start and
// stop signals. It runs in its own goroutine and talks to the scheduler only
// through the two channels.
type frontEnd struct {
	buttons gpio.Buttons // nil: start as soon as the loop runs
	strip   indicator.Strip

	start chan struct{}
	stop  chan string
}

func newFrontEnd(buttons gpio.Buttons, strip indicator.Strip) *frontEnd {
	return &frontEnd{
		buttons: buttons,
		strip:   strip,
		start:   make(chan struct{}, 1),
		stop:    make(chan string, 1),
	}
}

func (f *frontEnd) run(tick <-chan time.Time, sig <-chan os.Signal, done <-chan struct{}) {
	// waiting is true while the start prompt blinks
	waiting := f.buttons != nil
	if !waiting {
		f.start <- struct{}{}
	}

	var prevStart, prevStop bool
	polls := 0
	for {
		select {
		case <-done:
			return

		case s := <-sig:
			log.Printf("received %v, stopping", s)
			waiting = f.requestStop(signalName(s), waiting)

		case <-tick:
			if f.buttons == nil {
				continue
			}
			startPressed, stopPressed, err := f.buttons.Read()
			if err != nil {
				log.Printf("buttons: read error: %v", err)
				continue
			}

			if waiting {
				f.prompt(polls)
				polls++
				if startPressed && !prevStart {
					waiting = false
					f.fill(indicator.Waiting)
					log.Printf("buttons: start pressed")
					f.start <- struct{}{}
				}
			}
			if stopPressed && !prevStop {
				log.Printf("buttons: stop pressed")
				waiting = f.requestStop("STOP_BUTTON", waiting)
			}
			prevStart, prevStop = startPressed, stopPressed
		}
	}
}

// requestStop never blocks; the first reason wins. A stop while the prompt
// is blinking ends the prompt and leaves the pixels at Waiting. It returns
// the new waiting flag, which is always false.
func (f *frontEnd) requestStop(reason string, waiting bool) bool {
	if waiting {
		f.fill(indicator.Waiting)
	}
	select {
	case f.stop <- reason:
	default:
	}
	return false
}

// prompt blinks every pixel while waiting for the start button.
func (f *frontEnd) prompt(polls int) {
	if (polls/blinkTicks)%2 == 0 {
		f.fill(indicator.StartPrompt)
	} else {
		f.fill(indicator.Off)
	}
}

func (f *frontEnd) fill(c indicator.Color) {
	for i := 0; i < f.strip.Len(); i++ {
		f.strip.Set(i, c)
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return s.String()
}
