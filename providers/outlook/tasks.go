// ABOUTME: Microsoft To Do task pull, push and delete across every task list
// ABOUTME: The owning list name is appended to pulled descriptions and stripped again on push
package outlook

import (
	"context"
	"net/http"
	"net/url"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

type todoList struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	WellknownListName string `json:"wellknownListName"`
}

type taskPage struct {
	Value    []todoTask `json:"value"`
	NextLink string     `json:"@odata.nextLink"`
}

// PullTasks reads every task from every To Do list.
func (a *Adapter) PullTasks(ctx context.Context, acct *models.CalendarAccount) ([]models.CanonicalEvent, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return nil, err
	}

	lists, err := a.todoLists(ctx, client)
	if err != nil {
		return nil, err
	}

	var out []models.CanonicalEvent
	for _, list := range lists {
		next := a.endpoint("/me/todo/lists/"+url.PathEscape(list.ID)+"/tasks", nil)
		for next != "" {
			var page taskPage
			if err := a.request(ctx, client, "list tasks", http.MethodGet, next, nil, &page); err != nil {
				return nil, err
			}
			for i := range page.Value {
				if ev, ok := taskToCanonical(&page.Value[i], list); ok {
					out = append(out, ev)
				}
			}
			next = page.NextLink
		}
	}

	return out, nil
}

// PushTask patches the task in the list that holds it, or creates it in the default list.
func (a *Adapter) PushTask(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return providers.PushResult{}, err
	}

	lists, err := a.todoLists(ctx, client)
	if err != nil {
		return providers.PushResult{}, err
	}

	body := canonicalToTask(ev)
	var res todoTask

	if ev.ExternalID != "" {
		listID, err := a.findTask(ctx, client, lists, ev.ExternalID, ev.ListID)
		switch {
		case err == nil:
			err = a.request(ctx, client, "update task", http.MethodPatch, a.taskURL(listID, ev.ExternalID), body, &res)
			if err != nil {
				return providers.PushResult{}, err
			}
			return pushResult(res.ID, res.LastModifiedDateTime), nil
		case syncerr.IsNotFound(err):
			a.log.Info("task not found in any list, creating", "task_id", ev.ExternalID)
		default:
			return providers.PushResult{}, err
		}
	}

	target := defaultList(lists)
	if target == "" {
		return providers.PushResult{}, syncerr.Item("create task", syncerr.ErrNotFound)
	}
	err = a.request(ctx, client, "create task", http.MethodPost,
		a.endpoint("/me/todo/lists/"+url.PathEscape(target)+"/tasks", nil), body, &res)
	if err != nil {
		return providers.PushResult{}, err
	}
	return pushResult(res.ID, res.LastModifiedDateTime), nil
}

func (a *Adapter) deleteTask(ctx context.Context, acct *models.CalendarAccount, taskID string) (bool, error) {
	client, err := a.clients.HTTPClient(ctx, acct)
	if err != nil {
		return false, err
	}

	lists, err := a.todoLists(ctx, client)
	if err != nil {
		return false, err
	}

	listID, err := a.findTask(ctx, client, lists, taskID, "")
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = a.request(ctx, client, "delete task", http.MethodDelete, a.taskURL(listID, taskID), nil, nil)
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) todoLists(ctx context.Context, client *http.Client) ([]todoList, error) {
	var lists []todoList
	next := a.endpoint("/me/todo/lists", nil)
	for next != "" {
		var page struct {
			Value    []todoList `json:"value"`
			NextLink string     `json:"@odata.nextLink"`
		}
		if err := a.request(ctx, client, "list task lists", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		lists = append(lists, page.Value...)
		next = page.NextLink
	}
	return lists, nil
}

func (a *Adapter) findTask(ctx context.Context, client *http.Client, lists []todoList, taskID, preferred string) (string, error) {
	candidates := make([]string, 0, len(lists)+1)
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	for _, l := range lists {
		if l.ID != preferred {
			candidates = append(candidates, l.ID)
		}
	}

	for _, listID := range candidates {
		err := a.request(ctx, client, "get task", http.MethodGet, a.taskURL(listID, taskID), nil, nil)
		if syncerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return listID, nil
	}
	return "", syncerr.ErrNotFound
}

func (a *Adapter) taskURL(listID, taskID string) string {
	return a.endpoint("/me/todo/lists/"+url.PathEscape(listID)+"/tasks/"+url.PathEscape(taskID), nil)
}

func defaultList(lists []todoList) string {
	for _, l := range lists {
		if l.WellknownListName == "defaultList" {
			return l.ID
		}
	}
	if len(lists) > 0 {
		return lists[0].ID
	}
	return ""
}
