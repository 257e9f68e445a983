package main

import (
	"errors"
	"fmt"

	berr "gsus/errors"
)

// errRefused makes the process exit 1 after add has printed its result.
var errRefused = errors.New("add refused")

type EchoCmd struct {
	Text string `arg:"" help:"String to send"`
}

func (c *EchoCmd) Run(app *App) error {
	out, err := app.client.Echo(app.ctx, c.Text)
	if err != nil {
		return fmt.Errorf("echo failed: %w", err)
	}
	fmt.Fprintln(app.out, out)
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(app *App) error {
	v, err := app.client.GetVersion(app.ctx)
	if err != nil {
		return fmt.Errorf("version failed: %w", err)
	}
	fmt.Fprintf(app.out, "version: %s\n", v)
	return nil
}

type ListCmd struct{}

func (c *ListCmd) Run(app *App) error {
	items, err := app.client.List(app.ctx)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, item := range items {
		fmt.Fprintln(app.out, item)
	}
	return nil
}

type AddCmd struct {
	Item string `arg:"" help:"Item name to append"`
}

func (c *AddCmd) Run(app *App) error {
	ok, err := app.client.Add(app.ctx, c.Item)
	if err != nil {
		return fmt.Errorf("add failed: %w", err)
	}
	if !ok {
		fmt.Fprintln(app.out, "added => failed")
		return errRefused
	}
	fmt.Fprintln(app.out, "added => ok")
	return nil
}

// MonitorCmd runs until interrupted or the connection drops.
type MonitorCmd struct{}

func (c *MonitorCmd) Run(app *App) error {
	items, err := app.client.Watch(app.ctx)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	for item := range items {
		fmt.Fprintln(app.out, item)
	}
	if app.ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("monitor: connection lost: %w", berr.ErrTransport)
}
