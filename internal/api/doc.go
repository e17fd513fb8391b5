// Package api 暴露作业查询、任务发起与服务发现的 HTTP 接口。
package api
