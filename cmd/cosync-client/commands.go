package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/document"
)

var errUnknownCommand = errors.New("unknown command")

// releaser is the part of the session the done command needs.
type releaser interface {
	Release(ctx context.Context) (int, error)
}

// shell applies stdin commands to the host document. It must run on the
// same goroutine that ticks the idle queue.
type shell struct {
	doc     *document.Memory
	session releaser
	out     io.Writer
}

func (sh *shell) exec(ctx context.Context, line string) error {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "":
		return nil
	case "add":
		if !json.Valid([]byte(rest)) {
			return fmt.Errorf("add: geometry is not valid JSON")
		}
		id, err := sh.doc.UserAdd(document.Object{Geometry: json.RawMessage(rest), Transform: document.Identity()})
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		fmt.Fprintln(sh.out, id)
	case "delete":
		id, err := uuid.Parse(rest)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		if err := sh.doc.UserDelete(id); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	case "move":
		id, delta, err := parseMove(rest)
		if err != nil {
			return fmt.Errorf("move: %w", err)
		}
		if err := sh.doc.UserTransform(id, delta); err != nil {
			return fmt.Errorf("move: %w", err)
		}
	case "select":
		id, err := uuid.Parse(rest)
		if err != nil {
			return fmt.Errorf("select: %w", err)
		}
		sh.doc.UserSelect(id)
	case "deselect":
		sh.doc.UserDeselectAll()
	case "undo":
		if !sh.doc.Undo() {
			fmt.Fprintln(sh.out, "nothing to undo")
		}
	case "redo":
		if !sh.doc.Redo() {
			fmt.Fprintln(sh.out, "nothing to redo")
		}
	case "done":
		n, err := sh.session.Release(ctx)
		if err != nil {
			return fmt.Errorf("done: %w", err)
		}
		fmt.Fprintf(sh.out, "released %d\n", n)
	case "list":
		for _, obj := range sh.doc.Objects() {
			t := obj.Transform
			fmt.Fprintf(sh.out, "%s locked=%t at=(%g, %g, %g) %s\n", obj.ID, obj.Locked, t[3], t[7], t[11], obj.Geometry)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, name)
	}
	return nil
}

// parseMove reads "<id> dx dy dz".
func parseMove(args string) (uuid.UUID, document.Transform, error) {
	fields := strings.Fields(args)
	if len(fields) != 4 {
		return uuid.Nil, document.Transform{}, fmt.Errorf("want <id> dx dy dz, got %d arguments", len(fields))
	}
	id, err := uuid.Parse(fields[0])
	if err != nil {
		return uuid.Nil, document.Transform{}, err
	}
	var d [3]float64
	for i, f := range fields[1:] {
		if d[i], err = strconv.ParseFloat(f, 64); err != nil {
			return uuid.Nil, document.Transform{}, err
		}
	}
	return id, document.Translation(d[0], d[1], d[2]), nil
}
