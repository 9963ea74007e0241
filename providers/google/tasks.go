// ABOUTME: Google Tasks pull, push and delete across all of the user's task lists
// ABOUTME: Pushes locate the task in its last known list first, then every other list
package google

import (
	"context"

	"google.golang.org/api/tasks/v1"

	"github.com/harperreed/calsync/models"
	"github.com/harperreed/calsync/providers"
	"github.com/harperreed/calsync/syncerr"
)

const defaultTaskList = "@default"

// PullTasks returns up to maxTasksPerList tasks from every list.
func (a *Adapter) PullTasks(ctx context.Context, acct *models.CalendarAccount) ([]models.CanonicalEvent, error) {
	svc, err := a.tasksService(ctx, acct)
	if err != nil {
		return nil, err
	}

	lists, err := a.taskLists(ctx, svc)
	if err != nil {
		return nil, err
	}

	var out []models.CanonicalEvent
	for _, list := range lists {
		pageToken := ""
		count := 0
		for count < maxTasksPerList {
			call := svc.Tasks.List(list.Id).
				ShowCompleted(true).
				ShowHidden(true).
				ShowDeleted(false).
				MaxResults(int64(maxTasksPerList - count))
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			var page *tasks.Tasks
			err := a.do(ctx, "list tasks", func(ctx context.Context) error {
				var err error
				page, err = call.Context(ctx).Do()
				return err
			})
			if err != nil {
				return nil, err
			}

			for _, t := range page.Items {
				count++
				if ev, ok := taskToCanonical(t, list.Id); ok {
					out = append(out, ev)
				}
			}

			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}

	return out, nil
}

// PushTask updates the task wherever it lives, or inserts it into the default list.
func (a *Adapter) PushTask(ctx context.Context, acct *models.CalendarAccount, ev models.CanonicalEvent) (providers.PushResult, error) {
	svc, err := a.tasksService(ctx, acct)
	if err != nil {
		return providers.PushResult{}, err
	}

	body := canonicalToTask(ev)
	var res *tasks.Task

	if ev.ExternalID != "" {
		listID, err := a.findTask(ctx, svc, ev.ExternalID, ev.ListID)
		switch {
		case err == nil:
			body.Id = ev.ExternalID
			err = a.do(ctx, "update task", func(ctx context.Context) error {
				var err error
				res, err = svc.Tasks.Patch(listID, ev.ExternalID, body).Context(ctx).Do()
				return err
			})
			if err != nil {
				return providers.PushResult{}, err
			}
			return pushResult(res.Id, res.Updated), nil
		case syncerr.IsNotFound(err):
			a.log.Info("task not found in any list, creating", "task_id", ev.ExternalID)
			body.Id = ""
		default:
			return providers.PushResult{}, err
		}
	}

	err = a.do(ctx, "insert task", func(ctx context.Context) error {
		var err error
		res, err = svc.Tasks.Insert(defaultTaskList, body).Context(ctx).Do()
		return err
	})
	if err != nil {
		return providers.PushResult{}, err
	}
	return pushResult(res.Id, res.Updated), nil
}

func (a *Adapter) deleteTask(ctx context.Context, acct *models.CalendarAccount, taskID string) (bool, error) {
	svc, err := a.tasksService(ctx, acct)
	if err != nil {
		return false, err
	}

	listID, err := a.findTask(ctx, svc, taskID, "")
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = a.do(ctx, "delete task", func(ctx context.Context) error {
		return svc.Tasks.Delete(listID, taskID).Context(ctx).Do()
	})
	if syncerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) taskLists(ctx context.Context, svc *tasks.Service) ([]*tasks.TaskList, error) {
	var lists []*tasks.TaskList
	pageToken := ""
	for {
		call := svc.Tasklists.List().MaxResults(100)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var page *tasks.TaskLists
		err := a.do(ctx, "list task lists", func(ctx context.Context) error {
			var err error
			page, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		lists = append(lists, page.Items...)

		if page.NextPageToken == "" {
			return lists, nil
		}
		pageToken = page.NextPageToken
	}
}

// findTask returns the id of the list holding taskID, trying preferredList first.
func (a *Adapter) findTask(ctx context.Context, svc *tasks.Service, taskID, preferredList string) (string, error) {
	candidates := make([]string, 0, 8)
	if preferredList != "" {
		candidates = append(candidates, preferredList)
	}

	lists, err := a.taskLists(ctx, svc)
	if err != nil {
		return "", err
	}
	for _, l := range lists {
		if l.Id != preferredList {
			candidates = append(candidates, l.Id)
		}
	}

	for _, listID := range candidates {
		var t *tasks.Task
		err := a.do(ctx, "get task", func(ctx context.Context) error {
			var err error
			t, err = svc.Tasks.Get(listID, taskID).Context(ctx).Do()
			return err
		})
		if syncerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		if t.Deleted {
			continue
		}
		return listID, nil
	}

	return "", syncerr.ErrNotFound
}
