// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package librpc

import (
	"context"
	"slices"
	"strings"

	"github.com/juju/errors"
)

// Event names of the object vocabulary.
const (
	EventChanged        = "changed"
	EventInstanceAdded  = "instance_added"
	EventInterfaceAdded = "interface_added"
)

// ListObjects returns the paths of every instance whose path starts with
// prefix.
func (cl *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var instances []Instance
	err := cl.Call(ctx, Request{
		Path:      "/",
		Interface: DiscoverableInterface,
		Method:    "get_instances",
	}, &instances)
	if err != nil {
		return nil, errors.Annotate(err, "listing objects")
	}
	return filterPaths(instances, prefix), nil
}

func filterPaths(instances []Instance, prefix string) []string {
	paths := make([]string, 0, len(instances))
	for _, inst := range instances {
		if strings.HasPrefix(inst.Path, prefix) {
			paths = append(paths, inst.Path)
		}
	}
	return paths
}

// GetObject returns the properties of iface on the object at path, keyed by
// property name.
func (cl *Client) GetObject(ctx context.Context, path, iface string) (map[string]any, error) {
	var props []Property
	err := cl.Call(ctx, Request{
		Path:      path,
		Interface: ObservableInterface,
		Method:    "get_all",
		Args:      []any{iface},
	}, &props)
	if err != nil {
		return nil, errors.Annotatef(err, "get %s", path)
	}
	return propertyMap(props), nil
}

func propertyMap(props []Property) map[string]any {
	m := make(map[string]any, len(props))
	for _, p := range props {
		m[p.Name] = p.Value
	}
	return m
}

// GetProperty decodes one property of an object into reply.
func (cl *Client) GetProperty(ctx context.Context, path, iface, name string, reply any) error {
	err := cl.Call(ctx, Request{
		Path:      path,
		Interface: ObservableInterface,
		Method:    "get",
		Args:      []any{iface, name},
	}, reply)
	return errors.Annotatef(err, "get %s %s.%s", path, iface, name)
}

// SetProperty assigns one property of an object.
func (cl *Client) SetProperty(ctx context.Context, path, iface, name string, value any) error {
	err := cl.Call(ctx, Request{
		Path:      path,
		Interface: ObservableInterface,
		Method:    "set",
		Args:      []any{iface, name, value},
	}, nil)
	return errors.Annotatef(err, "set %s %s.%s", path, iface, name)
}

type changedArgs struct {
	Interface string `msgpack:"interface"`
	Name      string `msgpack:"name"`
	Value     any    `msgpack:"value"`
}

// WatchChanges streams property changes of the object at path, each as a
// single-entry map from property name to new value. An empty iface accepts
// changes on every interface.
func (cl *Client) WatchChanges(ctx context.Context, path, iface string) (*Feed[map[string]any], error) {
	p := Pattern{Path: path, Interface: ObservableInterface, Name: EventChanged}
	return listen(ctx, cl.c, p, func(e Event) (map[string]any, bool) {
		return changeOf(e, path, iface)
	})
}

func changeOf(e Event, path, iface string) (map[string]any, bool) {
	if e.Path != path || e.Interface != ObservableInterface || e.Name != EventChanged {
		return nil, false
	}
	var args changedArgs
	if err := DecodeArgs(e.Args, &args); err != nil || args.Name == "" {
		return nil, false
	}
	if iface != "" && args.Interface != iface {
		return nil, false
	}
	return map[string]any{args.Name: args.Value}, true
}

type instanceAddedArgs struct {
	Path       string   `msgpack:"path"`
	Interfaces []string `msgpack:"interfaces"`
}

// WatchInstances streams the paths of new objects implementing iface.
func (cl *Client) WatchInstances(ctx context.Context, iface string) (*Feed[string], error) {
	p := Pattern{Interface: DiscoverableInterface, Name: EventInstanceAdded}
	return listen(ctx, cl.c, p, func(e Event) (string, bool) {
		return instanceOf(e, iface)
	})
}

func instanceOf(e Event, iface string) (string, bool) {
	if e.Interface != DiscoverableInterface || e.Name != EventInstanceAdded {
		return "", false
	}
	var args instanceAddedArgs
	if err := DecodeArgs(e.Args, &args); err != nil {
		return "", false
	}
	if !slices.Contains(args.Interfaces, iface) {
		return "", false
	}
	if args.Path != "" {
		return args.Path, true
	}
	return e.Path, true
}

// WatchInterfaces streams the path of the object at path each time it
// gains iface.
func (cl *Client) WatchInterfaces(ctx context.Context, path, iface string) (*Feed[string], error) {
	p := Pattern{Path: path, Interface: IntrospectableInterface, Name: EventInterfaceAdded}
	return listen(ctx, cl.c, p, func(e Event) (string, bool) {
		if e.Path != path || e.Interface != IntrospectableInterface || e.Name != EventInterfaceAdded {
			return "", false
		}
		if name, ok := e.Args.(string); !ok || name != iface {
			return "", false
		}
		return e.Path, true
	})
}
